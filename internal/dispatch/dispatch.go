// Package dispatch implements the Dispatcher (C8): it decides, for a
// parsed request (and, where relevant, a resolved filesystem result),
// which action the server should take, and enforces CGI admission
// control before a worker is allowed to spawn.
package dispatch

import (
	"os"
	"strings"

	"github.com/jbar/thttpgpd/internal/herror"
	"github.com/jbar/thttpgpd/internal/reqparse"
	"github.com/jbar/thttpgpd/internal/resolve"
)

// Action names the kind of work the server must perform for a request.
type Action int

const (
	ActionHKPLookup Action = iota
	ActionHKPAdd
	ActionCurrencyCreate
	ActionCurrencyValidate
	ActionCGI
	ActionStaticFile
	ActionDirectoryListing
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionHKPLookup:
		return "hkp-lookup"
	case ActionHKPAdd:
		return "hkp-add"
	case ActionCurrencyCreate:
		return "currency-create"
	case ActionCurrencyValidate:
		return "currency-validate"
	case ActionCGI:
		return "cgi"
	case ActionStaticFile:
		return "static-file"
	case ActionDirectoryListing:
		return "directory-listing"
	case ActionRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the Dispatcher's output, handed to whichever worker is
// responsible for Action.
type Decision struct {
	Action   Action
	Resolved *resolve.Result // set for ActionCGI/ActionStaticFile/ActionDirectoryListing/ActionRedirect
}

// routeSpecial matches the fixed, pre-resolution route table (spec
// §4.7): pks/lookup, pks/add, and the optional currency actions. It
// reports ok=false when none of the fixed routes match, meaning the
// normal resolver path should run instead.
func routeSpecial(decodedURL string, currencyEnabled bool) (Action, bool) {
	path := strings.TrimPrefix(decodedURL, "/")
	switch path {
	case "pks/lookup":
		return ActionHKPLookup, true
	case "pks/add":
		return ActionHKPAdd, true
	}
	if currencyEnabled {
		switch path {
		case "udc/create":
			return ActionCurrencyCreate, true
		case "udc/validate":
			return ActionCurrencyValidate, true
		}
	}
	return 0, false
}

// Options configures dispatch beyond what's carried on the request.
type Options struct {
	CurrencyEnabled bool
	MatchCgiPattern func(path string) bool
}

// Route performs the pre-resolution routing step. If it returns
// ok=false, the caller must resolve the URL against the filesystem and
// call Dispatch with the result.
func Route(req *reqparse.Request, opt Options) (Decision, bool) {
	if action, ok := routeSpecial(req.DecodedURL, opt.CurrencyEnabled); ok {
		if (action == ActionHKPAdd || action == ActionCurrencyCreate || action == ActionCurrencyValidate) && req.Method != reqparse.POST {
			return Decision{}, false
		}
		if action == ActionHKPLookup && req.Method != reqparse.GET && req.Method != reqparse.HEAD {
			return Decision{}, false
		}
		return Decision{Action: action}, true
	}
	return Decision{}, false
}

// Dispatch performs the post-resolution routing step (spec §4.7
// "Else resolver runs"): regular file + executable + cgi_pattern match
// becomes a CGI action; regular file becomes a static file response;
// directory (resolver already applied the index/listing gate) becomes
// a directory listing.
func Dispatch(res *resolve.Result, opt Options) (Decision, *herror.Error) {
	if res.NeedsTrailingSlashRedirect {
		return Decision{Action: ActionRedirect, Resolved: res}, nil
	}
	if res.IsDir {
		return Decision{Action: ActionDirectoryListing, Resolved: res}, nil
	}
	if isExecutable(res.Info) && opt.MatchCgiPattern != nil && opt.MatchCgiPattern(res.RealFilename) {
		return Decision{Action: ActionCGI, Resolved: res}, nil
	}
	return Decision{Action: ActionStaticFile, Resolved: res}, nil
}

func isExecutable(fi os.FileInfo) bool {
	return fi.Mode().Perm()&0111 != 0
}

// Admission enforces the cgi_count >= cgi_limit > 0 => 503 rule (spec
// §4.7 "Spawning discipline"). A zero Limit means unlimited.
type Admission struct {
	limit int
	count chan struct{}
}

// NewAdmission builds an Admission gate. limit <= 0 means unlimited.
func NewAdmission(limit int) *Admission {
	a := &Admission{limit: limit}
	if limit > 0 {
		a.count = make(chan struct{}, limit)
	}
	return a
}

// TryAcquire reports whether a new CGI worker may be spawned, and
// returns a release func to call once the worker has finished (reaped).
func (a *Admission) TryAcquire() (func(), bool) {
	if a.count == nil {
		return func() {}, true
	}
	select {
	case a.count <- struct{}{}:
		return func() { <-a.count }, true
	default:
		return nil, false
	}
}
