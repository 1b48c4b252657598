package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-assist-ctl [-config file] [-server url] [-timeout dur] <command> [args]

commands:
  ask [-context text] <question>   ask with optional extra context
  chat <question>                  ask about the recent conversation
  quick                            answer the latest question heard
  screen [-mime type] <image>      extract text from a screenshot
  end                              end the session and wipe its state
  capture start|stop               control audio capture
  stt reset|flush|ping             drive the recognizer session
  stt vocabulary <word>...         replace the recognizer vocabulary
  reload                           re-read the daemon configuration
  status                           print the current status
  audit [-session id] [-limit n]   list recorded query outcomes
  watch                            stream transcripts and status
  version                          print the version`

var errUsage = errors.New(usage)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("loqa-assist-ctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to configuration file")
	server := fs.String("server", "", "NATS server URL (overrides config)")
	timeout := fs.Duration("timeout", 90*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	if rest[0] == "version" {
		fmt.Fprintln(out, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	switch {
	case *server != "":
		cfg.Bus.Servers = []string{*server}
	case cfg.Bus.Embedded:
		cfg.Bus.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, "loqa-assist-ctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if rest[0] == "watch" {
		return watch(ctx, client, out)
	}

	subject, payload, err := buildRequest(rest[0], rest[1:])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if subject == protocol.SubjectStatusGet {
		var st protocol.Status
		if err := client.RequestJSON(ctx, subject, payload, &st); err != nil {
			return err
		}
		return printJSON(out, st)
	}

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, payload, &reply); err != nil {
		return err
	}
	return printReply(out, reply)
}

// buildRequest maps a command line onto a bus subject and request payload.
func buildRequest(cmd string, args []string) (string, any, error) {
	switch cmd {
	case "ask":
		fs := flag.NewFlagSet("ask", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		extra := fs.String("context", "", "Extra context")
		if err := fs.Parse(args); err != nil {
			return "", nil, errUsage
		}
		prompt := strings.Join(fs.Args(), " ")
		if strings.TrimSpace(prompt) == "" {
			return "", nil, errors.New("ask: question required")
		}
		return protocol.SubjectAsk, protocol.AskRequest{Prompt: prompt, Context: *extra}, nil
	case "chat":
		prompt := strings.Join(args, " ")
		if strings.TrimSpace(prompt) == "" {
			return "", nil, errors.New("chat: question required")
		}
		return protocol.SubjectChat, protocol.AskRequest{Prompt: prompt}, nil
	case "quick":
		return protocol.SubjectQuickAnswer, struct{}{}, nil
	case "screen":
		fs := flag.NewFlagSet("screen", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		mimeType := fs.String("mime", "", "Image MIME type (guessed from the extension when empty)")
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return "", nil, errUsage
		}
		path := fs.Arg(0)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("screen: %w", err)
		}
		if *mimeType == "" {
			*mimeType = mime.TypeByExtension(filepath.Ext(path))
		}
		return protocol.SubjectScreenCapture, protocol.ScreenCaptureRequest{
			ImageBase64: base64.StdEncoding.EncodeToString(data),
			MimeType:    *mimeType,
		}, nil
	case "end":
		return protocol.SubjectSessionEnd, struct{}{}, nil
	case "capture":
		if len(args) != 1 {
			return "", nil, errUsage
		}
		switch args[0] {
		case "start":
			return protocol.SubjectCaptureStart, struct{}{}, nil
		case "stop":
			return protocol.SubjectCaptureStop, struct{}{}, nil
		}
		return "", nil, errUsage
	case "stt":
		if len(args) == 0 {
			return "", nil, errUsage
		}
		req := protocol.STTControlRequest{Action: args[0]}
		if args[0] == "vocabulary" {
			req.Words = args[1:]
		} else if len(args) > 1 {
			return "", nil, errUsage
		}
		return protocol.SubjectSTTControl, req, nil
	case "reload":
		return protocol.SubjectConfigReload, struct{}{}, nil
	case "status":
		return protocol.SubjectStatusGet, struct{}{}, nil
	case "audit":
		fs := flag.NewFlagSet("audit", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		sessionID := fs.String("session", "", "Session ID (defaults to the live session)")
		limit := fs.Int("limit", 20, "Maximum entries")
		if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
			return "", nil, errUsage
		}
		return protocol.SubjectAuditList, protocol.AuditRequest{SessionID: *sessionID, Limit: *limit}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
}

func printReply(out io.Writer, reply protocol.Reply) error {
	if !reply.OK {
		return fmt.Errorf("request failed: %s", reply.Error)
	}
	switch {
	case len(reply.Audit) > 0:
		for _, e := range reply.Audit {
			fmt.Fprintf(out, "%s %-12s %-10s redactions=%d prompt=%d response=%d latency=%dms trace=%s\n",
				e.CreatedAt.Local().Format(time.TimeOnly), e.Operation, e.Outcome,
				e.Redactions, e.PromptChars, e.ResponseChars, e.LatencyMS, e.TraceID)
		}
	case reply.Text != "":
		fmt.Fprintln(out, reply.Text)
	case reply.Source != "":
		fmt.Fprintf(out, "ok (source %s)\n", reply.Source)
	case reply.SessionID != "":
		fmt.Fprintf(out, "ok (session %s)\n", reply.SessionID)
	default:
		fmt.Fprintln(out, "ok")
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func watch(ctx context.Context, client *bus.Client, out io.Writer) error {
	lines := make(chan string, 64)
	handler := func(msg *nats.Msg) {
		var line string
		switch msg.Subject {
		case protocol.SubjectTranscriptFinal:
			var ft protocol.FinalTranscript
			if json.Unmarshal(msg.Data, &ft) != nil {
				return
			}
			line = fmt.Sprintf("[%s] %s: %s", ft.Entry.Timestamp.Local().Format(time.TimeOnly), ft.Entry.Speaker, ft.Entry.Text)
		case protocol.SubjectTranscriptPartial:
			var pt protocol.PartialTranscript
			if json.Unmarshal(msg.Data, &pt) != nil {
				return
			}
			line = "... " + pt.Text
		case protocol.SubjectStatus:
			var st protocol.Status
			if json.Unmarshal(msg.Data, &st) != nil {
				return
			}
			line = fmt.Sprintf("status session=%s stt=%s capture=%t entries=%d cooldown=%dms",
				st.SessionID, st.STTState, st.CaptureActive, st.TranscriptLen, st.CooldownMS)
		default:
			return
		}
		select {
		case lines <- line:
		default:
		}
	}

	for _, subject := range []string{protocol.SubjectTranscriptFinal, protocol.SubjectTranscriptPartial, protocol.SubjectStatus} {
		sub, err := client.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			fmt.Fprintln(out, line)
		}
	}
}
