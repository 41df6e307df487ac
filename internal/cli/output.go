package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (state error, failing scenario)
	ExitCommandError = 2 // Command error (bad config, unreachable store, invalid arguments)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the JSON envelope written in json format.
type CLIResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Data   map[string]any `json:"data,omitempty"`  // success payload
	Error  *CLIError      `json:"error,omitempty"` // error details
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`    // state error code, or CONFIG / INTERNAL
	Message string `json:"message"` // human-readable message
}

func (r CLIResponse) toMap() map[string]any {
	m := map[string]any{"status": r.Status}
	if r.Data != nil {
		m["data"] = r.Data
	}
	if r.Error != nil {
		m["error"] = map[string]any{"code": r.Error.Code, "message": r.Error.Message}
	}
	return m
}

// Success outputs a result. In text format each field is printed as
// "key: value" in key order.
func (f *OutputFormatter) Success(data map[string]any) error {
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{Status: "ok", Data: data})
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(f.Writer, "%s: %s\n", k, textValue(data[k]))
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message}})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return nil
}

// Fail reports err through Error and returns the ExitError the command
// should exit with. State errors keep their code and exit with
// ExitFailure; anything else is reported as INTERNAL.
func (f *OutputFormatter) Fail(err error) error {
	code := string(state.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	msg := err.Error()
	var se *state.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	if outErr := f.Error(code, msg); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, code, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) writeJSON(resp CLIResponse) error {
	data, err := jsondoc.Marshal(resp.toMap())
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = f.Writer.Write(append(data, '\n'))
	return err
}

// textValue prints strings bare and everything else as JSON.
func textValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := jsondoc.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(data))
}
