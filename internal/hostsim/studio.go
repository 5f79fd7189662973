package hostsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/roach88/flbridge/internal/command"
)

// Studio is a small in-memory project that answers the common ops the way
// the host scripts do, including index errors. Piano-roll edits are
// exported to statePath after every batch command.
type Studio struct {
	statePath string

	mu        sync.Mutex
	playing   bool
	recording bool
	tracks    map[int]map[string]any
	channels  int
	notes     []map[string]any
}

// MixerTracks is the number of mixer inserts, master included.
const MixerTracks = 127

// StudioPPQ is the resolution reported in the state export.
const StudioPPQ = 96

// NewStudio creates an empty project with the given number of channels.
// An empty statePath disables the export.
func NewStudio(statePath string, channels int) *Studio {
	return &Studio{statePath: statePath, channels: channels, tracks: make(map[int]map[string]any)}
}

// Handle implements Handler.
func (s *Studio) Handle(req command.RequestEnvelope) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := command.ArgsToMap(req.Command.Args)
	op := req.Command.Op
	switch op {
	case command.ProbeOp:
		return OK(map[string]any{"pong": true})

	case "transport.start":
		s.playing = true
		return OK(map[string]any{"playing": true})
	case "transport.stop":
		s.playing, s.recording = false, false
		return OK(map[string]any{"playing": false})
	case "transport.record":
		s.recording = !s.recording
		return OK(map[string]any{"recording": s.recording})
	case "transport.getStatus":
		return OK(map[string]any{"playing": s.playing, "recording": s.recording})

	case "mixer.getTrackCount":
		return OK(map[string]any{"count": MixerTracks})
	case "mixer.getTrackInfo", "mixer.setTrackVolume", "mixer.setTrackPan", "mixer.setTrackName",
		"mixer.muteTrack", "mixer.soloTrack", "mixer.armTrack":
		return s.track(op, args)

	case "channels.getCount":
		return OK(map[string]any{"count": s.channels})
	case "channels.getInfo", "channels.selectOne", "channels.setVolume", "channels.setPan",
		"channels.setName", "channels.mute":
		idx := intArg(args, "index")
		if idx < 0 || idx >= s.channels {
			return Fail(fmt.Sprintf("Invalid channel index: %d", idx))
		}
		return OK(map[string]any{"index": idx, "op": op})

	case "pianoroll.addNotes":
		if args["mode"] == "replace" {
			s.notes = nil
		}
		for _, n := range listArg(args, "notes") {
			if m, ok := n.(map[string]any); ok {
				s.addNote(m["midi"], m["time"], m["duration"], m["velocity"])
			}
		}
		return s.exported()
	case "pianoroll.addChord":
		for _, m := range listArg(args, "notes") {
			s.addNote(m, args["time"], args["duration"], args["velocity"])
		}
		return s.exported()
	case "pianoroll.deleteNotes":
		for _, n := range listArg(args, "notes") {
			if m, ok := n.(map[string]any); ok {
				s.deleteNote(num(m["midi"], -1), num(m["time"], -1))
			}
		}
		return s.exported()
	case "pianoroll.clear":
		s.notes = nil
		return s.exported()
	}
	return Echo(req)
}

func (s *Studio) track(op string, args map[string]any) Reply {
	idx := intArg(args, "track")
	if idx < 0 || idx >= MixerTracks {
		return Fail(fmt.Sprintf("Invalid track index: %d", idx))
	}
	t, ok := s.tracks[idx]
	if !ok {
		t = map[string]any{"index": idx, "name": fmt.Sprintf("Insert %d", idx), "volume": 0.8, "pan": 0.0, "muted": false}
		s.tracks[idx] = t
	}
	switch op {
	case "mixer.setTrackVolume":
		t["volume"] = args["volume"]
	case "mixer.setTrackPan":
		t["pan"] = args["pan"]
	case "mixer.setTrackName":
		t["name"] = args["name"]
	case "mixer.muteTrack":
		if v, ok := args["muted"].(bool); ok {
			t["muted"] = v
		} else {
			t["muted"] = !t["muted"].(bool)
		}
	}
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = v
	}
	return OK(out)
}

func (s *Studio) addNote(midi, at, length, velocity any) {
	s.notes = append(s.notes, map[string]any{
		"midi":     num(midi, 60),
		"time":     num(at, 0),
		"duration": num(length, 1),
		"velocity": num(velocity, 0.8),
	})
}

func (s *Studio) deleteNote(midi, at float64) {
	kept := s.notes[:0]
	for _, n := range s.notes {
		if n["midi"] == midi && n["time"] == at {
			continue
		}
		kept = append(kept, n)
	}
	s.notes = kept
}

// exported writes the state file and reports the note count.
func (s *Studio) exported() Reply {
	sort.SliceStable(s.notes, func(i, j int) bool {
		return s.notes[i]["time"].(float64) < s.notes[j]["time"].(float64)
	})
	if s.statePath != "" {
		body, err := json.Marshal(map[string]any{"ppq": StudioPPQ, "notes": s.notes})
		if err == nil {
			err = os.WriteFile(s.statePath, body, 0o644)
		}
		if err != nil {
			slog.Warn("hostsim: state export failed", "path", s.statePath, "error", err)
		}
	}
	return OK(map[string]any{"note_count": len(s.notes)})
}

// Notes returns a copy of the current notes.
func (s *Studio) Notes() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.notes))
	copy(out, s.notes)
	return out
}

func num(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return def
}

func intArg(args map[string]any, key string) int {
	return int(num(args[key], -1))
}

func listArg(args map[string]any, key string) []any {
	l, _ := args[key].([]any)
	return l
}
