// Package storetest provides helpers for tests of store listeners and implementations.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

// Recorder is a store.Listener which records all calls as text lines.
type Recorder struct {
	lock  sync.Mutex
	lines []string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PreBatch(_ context.Context) {
	r.add("pre-batch")
}

func (r *Recorder) Added(_ context.Context, entry model.Entry) {
	r.add(fmt.Sprintf("added %s %s", entry.EntryKey(), describe(entry)))
}

func (r *Recorder) Updated(_ context.Context, entry model.Entry) {
	r.add(fmt.Sprintf("updated %s %s", entry.EntryKey(), describe(entry)))
}

func (r *Recorder) Evicted(_ context.Context, entry model.Entry) {
	r.add(fmt.Sprintf("evicted %s %s", entry.EntryKey(), describe(entry)))
}

func (r *Recorder) Removed(_ context.Context, key model.Key) {
	r.add(fmt.Sprintf("removed %s", key))
}

func (r *Recorder) PostBatch(_ context.Context) {
	r.add("post-batch")
}

// Lines returns recorded calls.
func (r *Recorder) Lines() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *Recorder) String() string {
	return strings.Join(r.Lines(), "\n")
}

// Truncate clears recorded calls.
func (r *Recorder) Truncate() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lines = nil
}

func (r *Recorder) add(line string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lines = append(r.lines, line)
}

func describe(entry model.Entry) string {
	switch e := entry.(type) {
	case *model.NukeCommand:
		return fmt.Sprintf("command tx=%d state=%s", e.TxID, e.State)
	case *model.NukeInfo:
		return fmt.Sprintf("info node=%s state=%s", e.NodeID, e.State)
	default:
		return fmt.Sprintf("%T", entry)
	}
}
