package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/goclaw-ai/goclaw/internal/protocol"
	"github.com/goclaw-ai/goclaw/internal/version"
)

var (
	flagAddr     string
	flagTLS      bool
	flagPassword string
	flagTOTP     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "goclaw",
		Short:         "goclaw client - talk to a running goclawd gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:8991", "gateway address (host:port)")
	rootCmd.PersistentFlags().BoolVar(&flagTLS, "tls", false, "connect over wss")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", "password credential")
	rootCmd.PersistentFlags().StringVar(&flagTOTP, "totp", "", "one-time code credential")

	rootCmd.AddCommand(chatCmd(), reloadCmd(), rotateCmd(), statusCmd(), enrollTOTPCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is one established gateway connection with its greeting consumed.
type session struct {
	ws    *websocket.Conn
	token string
}

func connect() (*session, error) {
	scheme := "ws"
	if flagTLS {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, flagAddr)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &session{ws: ws}

	hello, err := s.read()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if hello.Type != protocol.TypeHello {
		ws.Close()
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	s.token = hello.CsrfToken

	if warning := version.CheckVersionMismatch(hello.Version); warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	// status frame after hello
	if _, err := s.read(); err != nil {
		ws.Close()
		return nil, err
	}

	if err := s.authenticate(); err != nil {
		ws.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() { s.ws.Close() }

// checkAuthChallenge turns an unanswered auth challenge into a usable
// error. Seen when the gateway requires auth and no credential flag was
// given.
func checkAuthChallenge(f protocol.Frame) error {
	if f.Type == protocol.TypeAuthChallenge {
		return fmt.Errorf("gateway requires %s authentication (use --password or --totp)", f.Method)
	}
	return nil
}

func (s *session) read() (protocol.Frame, error) {
	s.ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return protocol.Decode(data)
}

func (s *session) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// authenticate answers a pending auth challenge with whichever credential
// flag matches the offered method.
func (s *session) authenticate() error {
	if flagPassword == "" && flagTOTP == "" {
		return nil
	}

	challenge, err := s.read()
	if err != nil {
		return err
	}
	if challenge.Type != protocol.TypeAuthChallenge {
		return fmt.Errorf("expected auth challenge, got %q", challenge.Type)
	}

	credential := flagPassword
	if challenge.Method == "totp" {
		credential = flagTOTP
	}
	if credential == "" {
		return fmt.Errorf("gateway requires %s authentication", challenge.Method)
	}

	if err := s.write(protocol.Frame{
		Type:    protocol.TypeAuthResponse,
		Payload: []byte(fmt.Sprintf("%q", credential)),
	}); err != nil {
		return err
	}

	result, err := s.read()
	if err != nil {
		return err
	}
	switch result.Type {
	case protocol.TypeAuthResult:
		if result.OK != nil && *result.OK {
			return nil
		}
		return fmt.Errorf("authentication failed: %s", result.Message)
	case protocol.TypeAuthLocked:
		return fmt.Errorf("locked out, retry in %ds", result.RetryAfter)
	default:
		return fmt.Errorf("unexpected %q frame during authentication", result.Type)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one chat message and stream the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.close()

			err = s.write(protocol.Frame{
				Type:     protocol.TypeChat,
				Messages: []protocol.ChatMessage{{Role: "user", Content: args[0]}},
			})
			if err != nil {
				return err
			}

			for {
				f, err := s.read()
				if err != nil {
					return err
				}
				switch f.Type {
				case protocol.TypeResponseChunk:
					fmt.Print(f.Chunk)
				case protocol.TypeToolCall:
					fmt.Fprintf(os.Stderr, "\n[tool %s %s]\n", f.Name, string(f.Arguments))
				case protocol.TypeToolResult:
					if f.IsError {
						fmt.Fprintf(os.Stderr, "[tool %s failed: %s]\n", f.Name, f.Result)
					}
				case protocol.TypeResponseDone:
					fmt.Println()
					return nil
				case protocol.TypeAuthChallenge:
					return checkAuthChallenge(f)
				case protocol.TypeError:
					return fmt.Errorf("gateway: %s", f.Message)
				}
			}
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the gateway to reload its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.write(protocol.Frame{Type: protocol.TypeReloadConfig, CsrfToken: s.token}); err != nil {
				return err
			}
			f, err := s.read()
			if err != nil {
				return err
			}
			if err := checkAuthChallenge(f); err != nil {
				return err
			}
			if f.Type == protocol.TypeError || f.Status == "error" {
				return fmt.Errorf("reload rejected: %s", f.Message)
			}
			fmt.Printf("reload ok: %s\n", f.Message)
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-csrf",
		Short: "Rotate this connection's control token",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.write(protocol.Frame{Type: protocol.TypeRotateCsrf, CsrfToken: s.token}); err != nil {
				return err
			}
			f, err := s.read()
			if err != nil {
				return err
			}
			if err := checkAuthChallenge(f); err != nil {
				return err
			}
			if f.Type != protocol.TypeCsrfRotated {
				return fmt.Errorf("rotation rejected: %s", f.Message)
			}
			fmt.Println("token rotated")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the connection state of a fresh session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.write(protocol.Frame{
				Type:      protocol.TypeSessionCtl,
				Action:    "status",
				CsrfToken: s.token,
			}); err != nil {
				return err
			}
			f, err := s.read()
			if err != nil {
				return err
			}
			if err := checkAuthChallenge(f); err != nil {
				return err
			}
			if f.Type != protocol.TypeSessionResult {
				return fmt.Errorf("status rejected: %s", f.Message)
			}
			fmt.Printf("state: %s\nauth: %s\nconnection: %s\n", f.Status, f.Auth, f.SessionID)
			return nil
		},
	}
}

func enrollTOTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll-totp",
		Short: "Generate and store a TOTP secret, printing the otpauth URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.write(protocol.Frame{Type: protocol.TypeEnrollTOTP, CsrfToken: s.token}); err != nil {
				return err
			}
			f, err := s.read()
			if err != nil {
				return err
			}
			if err := checkAuthChallenge(f); err != nil {
				return err
			}
			if f.Type != protocol.TypeEnrollResult || f.Status != "ok" {
				return fmt.Errorf("enrollment rejected: %s", f.Message)
			}
			fmt.Println(f.Result)
			return nil
		},
	}
}
