package ids

import (
	mathrand "math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// Generator produces identifiers. Services accept one so tests can pin ids.
type Generator func() string

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prefixed returns a generator emitting "<prefix>_<ulid>" identifiers, e.g. "ses_01H...".
func Prefixed(prefix string) Generator {
	prefix = strings.TrimSpace(strings.ToLower(prefix))
	if prefix == "" {
		return New
	}
	return func() string {
		return prefix + "_" + strings.ToLower(New())
	}
}

// Sequence returns a deterministic generator ("<prefix>-1", "<prefix>-2", ...) for tests and fixtures.
func Sequence(prefix string) Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
