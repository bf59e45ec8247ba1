// Package hintqueue is a durable, filesystem-backed FIFO for webhook
// update hints (§4.2): each element is a small JSON file holding a
// timestamp and a {partition → [name, ...]} payload, written atomically
// and consumed under a per-element advisory lock so concurrent consumers
// skip (rather than block on) contention.
package hintqueue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/utilitywarehouse/git-librarian/internal/lock"
	"github.com/utilitywarehouse/git-librarian/internal/utils"
	"github.com/utilitywarehouse/git-librarian/manifest"
)

// ErrMessaging is the sentinel every queue I/O or schema-violation
// failure wraps.
var ErrMessaging = errors.New("messaging error")

// message is the on-disk schema: {time: string, data: binary}, where data
// deserialises to {partition_name → [element_name, ...]}.
type message struct {
	Time string              `json:"time"`
	Data map[string][]string `json:"data"`
}

// Queue is a directory-queue of pending hints rooted at dir. The
// directory is created lazily on first access.
type Queue struct {
	dir string
	log *slog.Logger
}

// New returns a Queue rooted at dir.
func New(log *slog.Logger, dir string) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{dir: dir, log: log}
}

func (q *Queue) ensureDir() error {
	if err := os.MkdirAll(q.dir, utils.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: unable to create queue dir: %w", ErrMessaging, err)
	}
	return nil
}

// Enqueue adds one (partition, name) hint. partition must be one of
// "modules", "hostgroups", "common"; anything else is rejected.
func (q *Queue) Enqueue(partition, name string) error {
	if !partitionKnown(partition) {
		return fmt.Errorf("%w: unknown partition %q", ErrMessaging, partition)
	}
	if err := q.ensureDir(); err != nil {
		return err
	}

	msg := message{
		Time: time.Now().UTC().Format(time.RFC3339Nano),
		Data: map[string][]string{partition: {name}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: unable to encode hint: %w", ErrMessaging, err)
	}

	path := filepath.Join(q.dir, newElementName())
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("%w: unable to write hint: %w", ErrMessaging, err)
	}

	q.log.Info("hint added to the queue", "partition", partition, "name", name)
	return nil
}

// HintSet is the merged, deduplicated result of a Drain: {partition →
// set<name>}.
type HintSet struct {
	partitions map[manifest.Partition]map[string]bool
}

// NewHintSet returns an empty HintSet.
func NewHintSet() *HintSet {
	return &HintSet{partitions: make(map[manifest.Partition]map[string]bool)}
}

func (h *HintSet) add(partition, name string) {
	p := manifest.Partition(partition)
	if h.partitions[p] == nil {
		h.partitions[p] = make(map[string]bool)
	}
	h.partitions[p][name] = true
}

// Has reports whether the HintSet carries an entry (possibly empty) for
// partition — distinguishing "partition omitted" from "partition present
// with zero names", per §4.6.2's narrowing rule.
func (h *HintSet) Has(p manifest.Partition) bool {
	_, ok := h.partitions[p]
	return ok
}

// Names returns the set of element names hinted for partition.
func (h *HintSet) Names(p manifest.Partition) map[string]bool {
	return h.partitions[p]
}

// Contains reports whether (partition, name) was hinted.
func (h *HintSet) Contains(p manifest.Partition, name string) bool {
	return h.partitions[p] != nil && h.partitions[p][name]
}

// Drain reads every element in the queue, skipping ones locked by another
// consumer (logged, not fatal) and discarding malformed ones (logged,
// dropped). Every element it successfully reads is removed from disk,
// whether or not its payload decoded cleanly.
func (q *Queue) Drain() (*HintSet, error) {
	hints := NewHintSet()

	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return hints, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list queue dir: %w", ErrMessaging, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(q.dir, e.Name())

		fl := lock.NewFileLock(path)
		ok, err := fl.TryLock(true)
		if err != nil {
			q.log.Error("I/O error locking queue element", "element", e.Name(), "err", err)
			continue
		}
		if !ok {
			q.log.Warn("element was locked when dequeuing", "element", e.Name())
			continue
		}

		data, err := os.ReadFile(path)
		fl.Close()
		if err != nil {
			q.log.Error("I/O error reading queue element", "element", e.Name(), "err", err)
			continue
		}
		os.Remove(path)

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			q.log.Debug("couldn't decode queue element, discarding", "element", e.Name(), "err", err)
			continue
		}
		if msg.Time == "" {
			q.log.Warn("discarding message: no timestamp", "element", e.Name())
			continue
		}

		for partitionName, names := range msg.Data {
			if !partitionKnown(partitionName) {
				q.log.Warn("discarding message: unknown partition", "time", msg.Time, "partition", partitionName)
				continue
			}
			for _, name := range names {
				hints.add(partitionName, name)
			}
		}
	}

	return hints, nil
}

// Count returns the number of pending elements.
func (q *Queue) Count() (int, error) {
	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: unable to list queue dir: %w", ErrMessaging, err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	return count, nil
}

// Purge removes every pending element.
func (q *Queue) Purge() error {
	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: unable to list queue dir: %w", ErrMessaging, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, e.Name())); err != nil {
			return fmt.Errorf("%w: unable to remove queue element: %w", ErrMessaging, err)
		}
	}
	return nil
}

func partitionKnown(name string) bool {
	for _, p := range manifest.Partitions() {
		if string(p) == name {
			return true
		}
	}
	return false
}

func newElementName() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}
