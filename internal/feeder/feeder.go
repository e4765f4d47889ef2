// Package feeder supplies per-user session values from JSON fixture files.
package feeder

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/pkg/jsonpath"
	"github.com/wesleyorama2/apptload/pkg/jsonschema"
)

// ErrExhausted is returned by a queue feeder once every record was handed out.
var ErrExhausted = errors.New("feeder exhausted")

// Strategy decides the order records are handed out in.
type Strategy string

const (
	// Random hands out a shuffled permutation and reshuffles once it is used up,
	// so no record repeats until every record has been used.
	Random Strategy = "random"

	// Circular hands out records in file order, wrapping at the end.
	Circular Strategy = "circular"

	// Queue hands out records in file order once, then fails with ErrExhausted.
	Queue Strategy = "queue"
)

// Options configures a Feeder.
type Options struct {
	Strategy Strategy

	// Seed for the Random strategy; 0 uses the current time
	Seed int64

	// Schema, when set, every raw record must satisfy
	Schema *jsonschema.Schema
}

// Feeder hands out flattened fixture records. It is safe for concurrent use.
type Feeder struct {
	name     string
	strategy Strategy
	records  []map[string]interface{}

	mu     sync.Mutex
	rng    *rand.Rand
	order  []int
	pos    int
	cycles int
}

// Load reads a JSON array fixture from disk.
func Load(path string, opts Options) (*Feeder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeder file: %w", err)
	}
	return FromJSON(path, data, opts)
}

// FromJSON builds a feeder from a JSON array of objects.
//
// Each object is flattened into dotted keys (item.patient_name); invalid
// records are reported together as a configuration error.
func FromJSON(name string, data []byte, opts Options) (*Feeder, error) {
	errs := &config.ValidationErrors{}
	field := "feeder." + name

	switch opts.Strategy {
	case "":
		opts.Strategy = Random
	case Random, Circular, Queue:
	default:
		errs.Add(field+".strategy", fmt.Sprintf("unknown strategy %q", opts.Strategy))
		return nil, errs
	}

	if !gjson.ValidBytes(data) {
		errs.Add(field, "invalid JSON")
		return nil, errs
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		errs.Add(field, "expected a JSON array of records")
		return nil, errs
	}

	var records []map[string]interface{}
	for i, raw := range root.Array() {
		recField := fmt.Sprintf("%s[%d]", field, i)
		if opts.Schema != nil {
			if verrs := opts.Schema.Validate([]byte(raw.Raw)); len(verrs) > 0 {
				errs.Add(recField, verrs.Error())
				continue
			}
		}
		flat, err := jsonpath.Flatten([]byte(raw.Raw))
		if err != nil {
			errs.Add(recField, err.Error())
			continue
		}
		records = append(records, flat)
	}
	if len(records) == 0 && !errs.HasErrors() {
		errs.Add(field, "no records")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	f := &Feeder{
		name:     name,
		strategy: opts.Strategy,
		records:  records,
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1)|1)),
		order:    make([]int, len(records)),
	}
	f.reset()
	return f, nil
}

// reset prepares the order for a new cycle. Callers hold mu or own f.
func (f *Feeder) reset() {
	for i := range f.order {
		f.order[i] = i
	}
	if f.strategy == Random {
		f.rng.Shuffle(len(f.order), func(i, j int) {
			f.order[i], f.order[j] = f.order[j], f.order[i]
		})
	}
	f.pos = 0
}

// Next returns a copy of the next record.
func (f *Feeder) Next() (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pos == len(f.order) {
		if f.strategy == Queue {
			return nil, fmt.Errorf("%s: %w", f.name, ErrExhausted)
		}
		f.cycles++
		f.reset()
	}

	rec := f.records[f.order[f.pos]]
	f.pos++

	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

// Len returns the number of records.
func (f *Feeder) Len() int { return len(f.records) }

// Name returns the fixture name.
func (f *Feeder) Name() string { return f.name }

// Cycles returns how many times the records were exhausted and restarted.
func (f *Feeder) Cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}
