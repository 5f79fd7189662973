package bridge

import (
	"context"
	"fmt"
	"math"

	"github.com/roach88/flbridge/internal/command"
)

var pitchClasses = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteName renders a MIDI note number with middle C (60) as C4.
func NoteName(midi int) string {
	octave := midi/12 - 1
	pc := midi % 12
	if pc < 0 {
		pc += 12
		octave--
	}
	return fmt.Sprintf("%s%d", pitchClasses[pc], octave)
}

// Note is one piano-roll note. Times and durations are in quarter notes.
// A zero Velocity lets the host apply its default (0.8).
type Note struct {
	MIDI     int     `json:"midi"`
	Time     float64 `json:"time"`
	Duration float64 `json:"duration"`
	Velocity float64 `json:"velocity,omitempty"`
}

func (n Note) arg() map[string]any {
	m := map[string]any{"midi": n.MIDI, "duration": n.Duration, "time": n.Time}
	if n.Velocity > 0 {
		m["velocity"] = n.Velocity
	}
	return m
}

// NoteRef identifies a note to delete by pitch and start time.
type NoteRef struct {
	MIDI int     `json:"midi"`
	Time float64 `json:"time"`
}

// Chord is a set of pitches sharing one start, length and velocity.
type Chord struct {
	Notes    []int
	Time     float64
	Duration float64 // 0 uses the host default of one beat
	Velocity float64 // 0 uses the host default
}

func (b *Bridge) batch(ctx context.Context, op string, kv ...any) (Result, error) {
	return b.Execute(ctx, command.ChannelBatch, op, command.NewArgs(kv...))
}

// AddNotes adds notes to the open piano roll. With replace set, existing
// notes are cleared first in the same host pass.
func (b *Bridge) AddNotes(ctx context.Context, notes []Note, replace bool) (Result, error) {
	list := make([]any, len(notes))
	for i, n := range notes {
		list[i] = n.arg()
	}
	mode := "add"
	if replace {
		mode = "replace"
	}
	return b.batch(ctx, "pianoroll.addNotes", "notes", list, "mode", mode)
}

// AddChord adds simultaneous notes.
func (b *Bridge) AddChord(ctx context.Context, c Chord) (Result, error) {
	list := make([]any, len(c.Notes))
	for i, m := range c.Notes {
		list[i] = m
	}
	kv := []any{"notes", list, "time", c.Time}
	if c.Duration > 0 {
		kv = append(kv, "duration", c.Duration)
	}
	if c.Velocity > 0 {
		kv = append(kv, "velocity", c.Velocity)
	}
	return b.batch(ctx, "pianoroll.addChord", kv...)
}

// DeleteNotes removes the notes matching refs.
func (b *Bridge) DeleteNotes(ctx context.Context, refs []NoteRef) (Result, error) {
	list := make([]any, len(refs))
	for i, r := range refs {
		list[i] = map[string]any{"midi": r.MIDI, "time": r.Time}
	}
	return b.batch(ctx, "pianoroll.deleteNotes", "notes", list)
}

// ClearPianoRoll removes every note from the open piano roll.
func (b *Bridge) ClearPianoRoll(ctx context.Context) (Result, error) {
	return b.batch(ctx, "pianoroll.clear")
}

// PianoRollState is the host's last export of the open piano roll.
type PianoRollState struct {
	PPQ   int              `json:"ppq"`
	Notes []map[string]any `json:"notes"`
}

// PianoRollState reads the state the batch script exported on its last run,
// adding a note_name to every note. Returns nil if the host has not exported
// any state yet. The export only refreshes when the batch script runs.
func (b *Bridge) PianoRollState() (*PianoRollState, error) {
	raw, err := b.store.ReadState(command.ChannelBatch)
	if err != nil || raw == nil {
		return nil, err
	}
	st := &PianoRollState{Notes: []map[string]any{}}
	if ppq, ok := raw["ppq"].(float64); ok {
		st.PPQ = int(ppq)
	}
	notes, _ := raw["notes"].([]any)
	for _, n := range notes {
		note, ok := n.(map[string]any)
		if !ok {
			continue
		}
		if m, ok := note["midi"].(float64); ok && m == math.Trunc(m) {
			note["note_name"] = NoteName(int(m))
		}
		st.Notes = append(st.Notes, note)
	}
	return st, nil
}
