// Package merklelog is a local append-only ledger backed by a Merkle Mountain
// Range. Each committed entry becomes an MMR leaf; the transaction reference
// names the leaf position and a prefix of its hash, so any later edit of the
// stored entry is detectable on read-back.
//
// With a path the log is persisted as one JSON line per leaf and replayed on
// open. Several processes may share one path: writers hold an exclusive flock
// and first catch up on lines other processes appended, so leaf positions stay
// dense across all of them.
package merklelog

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datatrails/go-datatrails-merklelog/mmr"

	"github.com/fsl-continuum/fcuid/internal/ledger"
	"github.com/fsl-continuum/fcuid/internal/lockfile"
)

const txPrefix = "mmr-"

// leaf is the persisted form of one committed entry.
type leaf struct {
	MMRIndex    uint64    `json:"mmr_index"`
	FCUID       string    `json:"fcuid"`
	Fragment    string    `json:"fragment"`
	PayloadHash string    `json:"payload_hash"`
	AppendedAt  time.Time `json:"appended_at"`
}

func (l leaf) hash() []byte {
	h := sha256.New()
	h.Write([]byte(l.FCUID))
	h.Write([]byte{0})
	h.Write([]byte(l.Fragment))
	h.Write([]byte{0})
	h.Write([]byte(l.PayloadHash))
	return h.Sum(nil)
}

// nodeStore is the in-memory node array the mmr package appends to.
type nodeStore struct {
	nodes [][]byte
}

func (s *nodeStore) Get(i uint64) ([]byte, error) {
	if i >= uint64(len(s.nodes)) {
		return nil, fmt.Errorf("mmr node %d out of range (size %d)", i, len(s.nodes))
	}
	return s.nodes[i], nil
}

func (s *nodeStore) Append(value []byte) (uint64, error) {
	s.nodes = append(s.nodes, value)
	return uint64(len(s.nodes)), nil
}

// Ledger is an MMR-backed ledger.
type Ledger struct {
	name string
	path string

	mu     sync.Mutex
	store  nodeStore
	leaves map[uint64]leaf
	count  uint64 // leaf count
	file   *os.File
	offset int64 // bytes of file already folded into store
	lines  int
	now    func() time.Time
}

var (
	_ ledger.Ledger = (*Ledger)(nil)
	_ ledger.Reader = (*Ledger)(nil)
)

// Open creates a ledger. An empty path keeps it in memory only.
func Open(name, path string) (*Ledger, error) {
	l := &Ledger{
		name:   name,
		path:   path,
		leaves: make(map[uint64]leaf),
		now:    time.Now,
	}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger log %s: %w", path, err)
	}
	l.file = f
	if err := l.catchUpShared(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// catchUpShared folds in new lines while holding a shared lock. Callers hold mu.
func (l *Ledger) catchUpShared() error {
	if err := lockfile.FlockSharedBlocking(l.file); err != nil {
		return fmt.Errorf("lock ledger log %s: %w", l.path, err)
	}
	defer func() { _ = lockfile.FlockUnlock(l.file) }()
	return l.catchUp()
}

// catchUp replays every complete line past offset. Callers hold mu and a file
// lock. A trailing line without a newline is left for a later pass.
func (l *Ledger) catchUp() error {
	r := bufio.NewReaderSize(io.NewSectionReader(l.file, l.offset, math.MaxInt64-l.offset), 64*1024)
	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ledger log %s: %w", l.path, err)
		}
		l.lines++
		if text := bytes.TrimSpace(raw); len(text) > 0 {
			var lf leaf
			if err := json.Unmarshal(text, &lf); err != nil {
				return fmt.Errorf("%s:%d: %w", l.path, l.lines, err)
			}
			if want := mmr.MMRIndex(l.count); lf.MMRIndex != want {
				return fmt.Errorf("%s:%d: leaf at mmr index %d, expected %d", l.path, l.lines, lf.MMRIndex, want)
			}
			if err := l.appendLeaf(lf); err != nil {
				return fmt.Errorf("%s:%d: %w", l.path, l.lines, err)
			}
		}
		l.offset += int64(len(raw))
	}
}

func (l *Ledger) appendLeaf(lf leaf) error {
	if _, err := mmr.AddHashedLeaf(&l.store, sha256.New(), lf.hash()); err != nil {
		return fmt.Errorf("add mmr leaf: %w", err)
	}
	l.leaves[lf.MMRIndex] = lf
	l.count++
	return nil
}

// Name returns the display name.
func (l *Ledger) Name() string {
	return l.name
}

// Write appends entry as a new leaf.
func (l *Ledger) Write(ctx context.Context, entry ledger.Entry) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("encode payload: %w", err)
	}
	ph := sha256.Sum256(payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := lockfile.FlockExclusiveBlocking(l.file); err != nil {
			return ledger.Receipt{}, fmt.Errorf("lock ledger log %s: %w", l.path, err)
		}
		defer func() { _ = lockfile.FlockUnlock(l.file) }()
		if err := l.catchUp(); err != nil {
			return ledger.Receipt{}, err
		}
	}
	lf := leaf{
		MMRIndex:    mmr.MMRIndex(l.count),
		FCUID:       entry.FCUID,
		Fragment:    entry.Fragment,
		PayloadHash: hex.EncodeToString(ph[:]),
		AppendedAt:  l.now().UTC(),
	}
	if l.file != nil {
		b, err := json.Marshal(lf)
		if err != nil {
			return ledger.Receipt{}, err
		}
		b = append(b, '\n')
		if _, err := l.file.Write(b); err != nil {
			return ledger.Receipt{}, fmt.Errorf("append ledger log: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return ledger.Receipt{}, fmt.Errorf("sync ledger log: %w", err)
		}
		l.offset += int64(len(b))
		l.lines++
	}
	if err := l.appendLeaf(lf); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxRef: txRef(lf), Fragment: lf.Fragment}, nil
}

func txRef(lf leaf) string {
	return fmt.Sprintf("%s%d-%s", txPrefix, lf.MMRIndex, hex.EncodeToString(lf.hash()[:8]))
}

func parseTxRef(ref string) (uint64, string, error) {
	rest, ok := strings.CutPrefix(ref, txPrefix)
	if !ok {
		return 0, "", fmt.Errorf("not a merklelog transaction %q", ref)
	}
	idx, sum, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, "", fmt.Errorf("malformed merklelog transaction %q", ref)
	}
	i, err := strconv.ParseUint(idx, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed merklelog transaction %q: %w", ref, err)
	}
	return i, sum, nil
}

// ReadMemo returns the fragment committed at txRef after checking the leaf
// still hashes to the node the MMR holds and to the hash in the reference.
func (l *Ledger) ReadMemo(ctx context.Context, txRef string) (string, error) {
	idx, sum, err := parseTxRef(txRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrTxNotFound, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lf, ok := l.leaves[idx]
	if !ok && l.file != nil {
		// Another process may have appended it.
		if err := l.catchUpShared(); err != nil {
			return "", err
		}
		lf, ok = l.leaves[idx]
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", txRef, ledger.ErrTxNotFound)
	}
	node, err := l.store.Get(idx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", txRef, ledger.ErrTxNotFound)
	}
	h := lf.hash()
	if !bytes.Equal(node, h) || hex.EncodeToString(h[:8]) != sum {
		return "", fmt.Errorf("%s: %w", txRef, ledger.ErrTampered)
	}
	return lf.Fragment, nil
}

// Size returns the number of MMR nodes.
func (l *Ledger) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.store.nodes))
}

// Leaves returns the number of committed entries.
func (l *Ledger) Leaves() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the log file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
