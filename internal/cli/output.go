package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The daemon rejected the request
	ExitCommandError = 2 // Bad flags, unknown session, daemon not reachable
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// rpcError turns a gRPC error into a one-line message for the terminal.
func rpcError(op string, err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return WrapExitError(ExitFailure, op, err)
	}
	code := ExitFailure
	if st.Code() == codes.InvalidArgument {
		code = ExitCommandError
	}
	return NewExitError(code, fmt.Sprintf("%s: %s", op, st.Message()))
}

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Print writes data in the configured format. text renders the human form.
func (f *OutputFormatter) Print(data any, text func(w io.Writer) error) error {
	switch f.Format {
	case "json":
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(f.Writer)
	}
}

// writeFields prints a flat map as sorted "key: value" lines.
func writeFields(w io.Writer, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%-*s  %s\n", width+1, k+":", formatValue(fields[k])); err != nil {
			return err
		}
	}
	return nil
}

// writeMessages prints one line per message, oldest first.
func writeMessages(w io.Writer, list []any) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No messages.")
		return err
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(w, messageLine(m)); err != nil {
			return err
		}
	}
	return nil
}

func messageLine(m map[string]any) string {
	id := "-"
	if n, ok := m["message_id"].(float64); ok && n != 0 {
		id = formatValue(n)
	}
	ts := ""
	if n, ok := m["send_time"].(float64); ok {
		ts = time.UnixMilli(int64(n)).UTC().Format("2006-01-02 15:04:05")
	}
	name, _ := m["sender_name"].(string)
	content, _ := m["content"].(string)
	if recalled, _ := m["is_recalled"].(bool); recalled {
		content = "(recalled)"
	}
	status, _ := m["status"].(string)
	return fmt.Sprintf("#%s %s %s: %s (%s)", id, ts, name, content, status)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}
