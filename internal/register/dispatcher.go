package register

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
)

// registerPattern and getPattern are the Go translation of request.cpp's
// boost::regex REGISTER_EXP/GET_EXP: case-insensitive command name,
// blank-tolerant around '=' and ';'.
var (
	registerPattern = regexp.MustCompile(`(?i)^[ \t]*REGISTER[ \t]+username[ \t]*=[ \t]*(.*?)[ \t]*;[ \t]*email[ \t]*=[ \t]*(.*?)[ \t]*$`)
	getPattern      = regexp.MustCompile(`(?i)^[ \t]*GET[ \t]+username[ \t]*=[ \t]*(.*?)[ \t]*$`)
)

// Dispatcher translates REGISTER/GET request lines into Repository calls
// and formats the numeric response line (spec.md §4.9/§6). It holds no
// per-request state; every call is independent, matching Request::execute
// in the original.
type Dispatcher struct {
	Repo Repository
}

func NewDispatcher(repo Repository) *Dispatcher {
	return &Dispatcher{Repo: repo}
}

// Handle parses one request line (its CRLF already stripped by the
// caller) and returns the response line, without its trailing CRLF.
func (d *Dispatcher) Handle(request string) string {
	if m := registerPattern.FindStringSubmatch(request); m != nil {
		logx.Debug("register: REGISTER username=%q email=%q", m[1], m[2])
		return responseFor(d.Repo.Register(m[1], m[2]), "")
	}
	if m := getPattern.FindStringSubmatch(request); m != nil {
		logx.Debug("register: GET username=%q", m[1])
		email, err := d.Repo.Lookup(m[1])
		return responseFor(err, email)
	}
	logx.Warn("register: command not recognized in %q", request)
	return "400 Bad request"
}

func responseFor(err error, email string) string {
	switch {
	case err == nil:
		if email != "" {
			return fmt.Sprintf("200 OK email=%s", email)
		}
		return "200 OK"
	case errors.Is(err, errs.ErrInvalidArgument):
		return "406 Not Acceptable"
	case errors.Is(err, errs.ErrNotFound):
		return "404 Not Found"
	case errors.Is(err, errs.ErrAlreadyDefined):
		return "409 Conflict"
	case errors.Is(err, ErrOverloaded):
		return "405 Overloaded"
	default:
		return "503 Service unavailable"
	}
}
