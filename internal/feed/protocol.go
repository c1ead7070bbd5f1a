package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectOptions is the JSON body of the CONNECT command.
type ConnectOptions struct {
	Verbose     bool   `json:"verbose"`
	Pedantic    bool   `json:"pedantic"`
	TLSRequired bool   `json:"tls_required"`
	Name        string `json:"name,omitempty"`
	Lang        string `json:"lang"`
	Version     string `json:"version"`
	Protocol    int    `json:"protocol"`
	Echo        bool   `json:"echo"`
	User        string `json:"user,omitempty"`
	Pass        string `json:"pass,omitempty"`
}

// ConnectCommand builds "CONNECT {json}\r\n".
func ConnectCommand(opts ConnectOptions) ([]byte, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal connect: %w", err)
	}
	cmd := make([]byte, 0, len(body)+len("CONNECT ")+len(Delimiter))
	cmd = append(cmd, "CONNECT "...)
	cmd = append(cmd, body...)
	cmd = append(cmd, Delimiter...)
	return cmd, nil
}

// PingCommand builds "PING\r\n".
func PingCommand() []byte { return []byte("PING" + Delimiter) }

// PongCommand builds "PONG\r\n".
func PongCommand() []byte { return []byte("PONG" + Delimiter) }

// SubCommand builds "SUB <subject> <sid>\r\n".
func SubCommand(subject, sid string) ([]byte, error) {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return nil, fmt.Errorf("invalid subject %q", subject)
	}
	if sid == "" || strings.ContainsAny(sid, " \t\r\n") {
		return nil, fmt.Errorf("invalid sid %q", sid)
	}
	return []byte("SUB " + subject + " " + sid + Delimiter), nil
}
