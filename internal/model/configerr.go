package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // worker.health.timeout
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch ...
	Message string // Human text
	Pos     CueErrorPosition
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Message)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|invalid value`)
)

// CueErrDetails converts errors returned by LoadConfig into a list of
// deduplicated details suited for logging. Non-cue errors yield one detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		detail := CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
		}
		key := detail.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, detail)
	}
	return out
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	var zero CueErrorPosition
	return zero
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", path)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s: %s", path, raw)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value: %s", path, raw)
	default:
		return "validation_error", raw
	}
}
