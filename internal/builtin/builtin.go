// Package builtin holds the capabilities compiled into the offload binary.
// Every process built from this module registers the same table, so workers
// started by re-executing the binary agree on its fingerprint.
package builtin

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/offload/internal/capability"
)

// maxSleep caps the sleep capability.
const maxSleep = 10 * time.Minute

// WordCount is the result of the wordcount capability.
type WordCount struct {
	Lines int `json:"lines"`
	Words int `json:"words"`
	Bytes int `json:"bytes"`
}

// FailRequest is the argument of the fail capability.
type FailRequest struct {
	Message string `json:"message"`
}

// Table returns a new table holding every builtin capability.
func Table() *capability.Table {
	t := capability.NewTable()
	if err := Register(t); err != nil {
		panic(err)
	}
	return t
}

// Register adds the builtin capabilities to t.
func Register(t *capability.Table) error {
	for _, c := range []capability.Callable{
		capability.Func("increment", increment),
		capability.Func("double", double),
		capability.Func("wordcount", wordCount),
		capability.Func("blake3", digest),
		capability.Func("sleep", sleep),
		capability.Func("fail", fail),
	} {
		if err := t.Add(c); err != nil {
			return err
		}
	}
	return nil
}

func increment(x int64) (int64, error) { return x + 1, nil }

func double(x int64) (int64, error) { return x * 2, nil }

func wordCount(s string) (WordCount, error) {
	wc := WordCount{Words: len(strings.Fields(s)), Bytes: len(s)}
	if s != "" {
		wc.Lines = strings.Count(s, "\n")
		if !strings.HasSuffix(s, "\n") {
			wc.Lines++
		}
	}
	return wc, nil
}

func digest(s string) (string, error) {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// sleep blocks for ms milliseconds and returns ms.
func sleep(ms int64) (int64, error) {
	d := time.Duration(ms) * time.Millisecond
	if d < 0 || d > maxSleep {
		return 0, fmt.Errorf("sleep of %dms is outside [0, %v]", ms, maxSleep)
	}
	time.Sleep(d)
	return ms, nil
}

func fail(req FailRequest) (struct{}, error) {
	if req.Message == "" {
		return struct{}{}, errors.New("failed on request")
	}
	return struct{}{}, errors.New(req.Message)
}
