// Package idgen mints FCUIDs and derives their verification fragments.
//
// Layout (all lowercase hex):
//
//	fc-RRRRRRRRRRRR-RRRRRRRRRRRR-CCCCCCCC            untimed
//	fc-TTTTTTTT-RRRRRRRRRRRR-RRRRRRRRRRRR-CCCCCCCC   time-sortable
//
// R groups carry 96 random bits, T is Unix seconds (advisory ordering only) and
// C is the first four bytes of SHA-256 over everything before the final dash.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fsl-continuum/fcuid/internal/types"
)

const (
	// Prefix starts every FCUID.
	Prefix = "fc"

	// RandomGroupLen is the hex length of each random group (48 bits).
	RandomGroupLen = 12
	// TimeGroupLen is the hex length of the optional timestamp group.
	TimeGroupLen = 8
	// ChecksumLen is the hex length of the trailing checksum group.
	ChecksumLen = 8
	// FragmentLen is the number of trailing hex digits embedded in ledger transactions.
	FragmentLen = 12

	randomBytes = 2 * RandomGroupLen / 2
)

// ErrEntropyUnavailable means the secure random source failed. Minting cannot
// continue without it.
var ErrEntropyUnavailable = errors.New("secure entropy source unavailable")

// Generator mints FCUIDs. The zero value is not usable; call New.
type Generator struct {
	rand io.Reader
	now  func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithRandom replaces the entropy source. Intended for tests.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithClock replaces the clock used for time-sortable IDs.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New returns a Generator reading from crypto/rand.
func New(opts ...Option) *Generator {
	g := &Generator{rand: rand.Reader, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mint returns a new FCUID for an entity of the given type. The entity type is
// checked but never encoded: uniqueness comes from the random groups alone.
func (g *Generator) Mint(entityType types.EntityType, timeSortable bool) (string, error) {
	if !entityType.IsValid() {
		return "", fmt.Errorf("invalid entity type %q", entityType)
	}

	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	r := hex.EncodeToString(buf)

	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteByte('-')
	if timeSortable {
		fmt.Fprintf(&b, "%08x-", uint32(g.now().Unix()))
	}
	b.WriteString(r[:RandomGroupLen])
	b.WriteByte('-')
	b.WriteString(r[RandomGroupLen:])

	body := b.String()
	return body + "-" + Checksum(body), nil
}

// Checksum returns the checksum group for an FCUID body (everything before the
// final dash).
func Checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:ChecksumLen/2])
}

// Fragment returns the last FragmentLen hex digits of id with dashes removed.
// It is a pure function of the identifier so the Verifier can recompute it
// without consulting the registry.
func Fragment(id string) string {
	digits := strings.ReplaceAll(id, "-", "")
	if len(digits) <= FragmentLen {
		return digits
	}
	return digits[len(digits)-FragmentLen:]
}

// Timestamp extracts the advisory time component of a time-sortable FCUID.
// It returns false for untimed identifiers.
func Timestamp(id string) (time.Time, bool) {
	groups := strings.Split(id, "-")
	if len(groups) != 5 || len(groups[1]) != TimeGroupLen {
		return time.Time{}, false
	}
	secs, err := strconv.ParseUint(groups[1], 16, 32)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0).UTC(), true
}
