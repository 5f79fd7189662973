// Package vocab validates commands against the operation vocabulary the
// host scripts understand, before anything is written to a mailbox.
//
// The vocabulary is a CUE schema embedded in the binary (ops.cue). Each op
// maps to a closed struct: unknown arguments, missing required arguments,
// wrong types and out-of-range values are all rejected.
package vocab

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/flbridge/internal/command"
)

//go:embed ops.cue
var opsSource string

// nameArgs hold user-visible text and are NFC-normalized so the host sees
// one canonical form of composed characters.
var nameArgs = map[string]bool{"name": true}

// Vocabulary is a compiled operation schema.
//
// Thread-safety: CUE values are not safe for concurrent use, so Validate
// serializes access with a mutex.
type Vocabulary struct {
	mu  sync.Mutex
	ctx *cue.Context
	ops cue.Value
}

var (
	defaultOnce  sync.Once
	defaultVocab *Vocabulary
	defaultErr   error
)

// Default returns the embedded vocabulary, compiled once.
func Default() (*Vocabulary, error) {
	defaultOnce.Do(func() {
		defaultVocab, defaultErr = Compile(opsSource)
	})
	return defaultVocab, defaultErr
}

// Compile builds a vocabulary from CUE source defining #ops.
func Compile(src string) (*Vocabulary, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("ops.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile vocabulary: %w", err)
	}
	ops := v.LookupPath(cue.ParsePath("#ops"))
	if !ops.Exists() {
		return nil, fmt.Errorf("compile vocabulary: #ops not defined")
	}
	return &Vocabulary{ctx: ctx, ops: ops}, nil
}

// ChannelFor returns the channel that carries op.
func ChannelFor(op string) command.Channel {
	if strings.HasPrefix(op, "pianoroll.") {
		return command.ChannelBatch
	}
	return command.ChannelLive
}

// Ops lists every known op in sorted order.
func (v *Vocabulary) Ops() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []string
	it, err := v.ops.Fields(cue.Definitions(false))
	if err != nil {
		return nil
	}
	for it.Next() {
		out = append(out, it.Selector().Unquoted())
	}
	sort.Strings(out)
	return out
}

// Known reports whether op is in the vocabulary.
func (v *Vocabulary) Known(op string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookup(op).Exists()
}

func (v *Vocabulary) lookup(op string) cue.Value {
	return v.ops.LookupPath(cue.MakePath(cue.Str(op)))
}

// Validate checks args against op and returns a normalized copy. Failures
// are *command.BridgeError with code VALIDATION.
func (v *Vocabulary) Validate(op string, args *command.Args) (*command.Args, error) {
	out := command.CopyArgs(args)
	for pair := out.Oldest(); pair != nil; pair = pair.Next() {
		if s, ok := pair.Value.(string); ok && nameArgs[pair.Key] {
			pair.Value = norm.NFC.String(s)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	schema := v.lookup(op)
	if !schema.Exists() {
		return nil, command.NewValidationError(op, "unknown op")
	}

	encoded := v.ctx.Encode(normalizeNumbers(command.ArgsToMap(out)))
	if err := encoded.Err(); err != nil {
		return nil, command.NewValidationError(op, "unencodable arguments: "+err.Error())
	}
	if err := schema.Unify(encoded).Validate(cue.Concrete(true)); err != nil {
		return nil, command.NewValidationError(op, describe(err))
	}
	return out, nil
}

// normalizeNumbers turns integral floats into ints. Arguments decoded from
// JSON arrive as float64 and would otherwise never satisfy an int bound.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case float32:
		return normalizeNumbers(float64(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeNumbers(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeNumbers(val)
		}
		return out
	default:
		return v
	}
}

// describe flattens CUE errors into one line per problem.
func describe(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	seen := make(map[string]bool)
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		path := e.Path()
		if len(path) >= 2 && path[0] == "#ops" {
			path = path[2:]
		}
		if len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		if !seen[msg] {
			seen[msg] = true
			msgs = append(msgs, msg)
		}
	}
	return strings.Join(msgs, "; ")
}
