package feature

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	outDirPerm  = 0750
	outFilePerm = 0600

	// FileVersion is written in text feature file headers.
	FileVersion = "1.1"
)

// sink receives records for one channel. Callers serialize access.
type sink interface {
	write(rec Record) error
	close() error
}

// header describes the run for feature file headers.
type header struct {
	channel  string
	filename string
	runID    string
}

// textSink writes "pos0<TAB>feature<TAB>context" lines.
type textSink struct {
	f *os.File
	w *bufio.Writer
}

func newTextSink(path string, h header) (*textSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outFilePerm)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# Feature-Recorder: %s\n", h.channel)
	if h.filename != "" {
		fmt.Fprintf(w, "# Filename: %s\n", h.filename)
	}
	fmt.Fprintf(w, "# Run-ID: %s\n", h.runID)
	fmt.Fprintf(w, "# Feature-File-Version: %s\n", FileVersion)
	return &textSink{f: f, w: w}, nil
}

func (s *textSink) write(rec Record) error {
	var err error
	if rec.Context == "" {
		_, err = fmt.Fprintf(s.w, "%s\t%s\n", rec.Pos0, rec.Feature)
	} else {
		_, err = fmt.Fprintf(s.w, "%s\t%s\t%s\n", rec.Pos0, rec.Feature, rec.Context)
	}
	return err
}

func (s *textSink) close() error {
	ferr := s.w.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("feature: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("feature: CBOR decoder initialization failed: " + err.Error())
	}
}

// cborSink writes a stream of CBOR-encoded records.
type cborSink struct {
	f   *os.File
	w   *bufio.Writer
	enc *cbor.Encoder
}

func newCBORSink(path string) (*cborSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outFilePerm)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &cborSink{f: f, w: w, enc: cborEncMode.NewEncoder(w)}, nil
}

func (s *cborSink) write(rec Record) error {
	return s.enc.Encode(rec)
}

func (s *cborSink) close() error {
	ferr := s.w.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// ReadCBOR decodes every record from a CBOR feature file.
func ReadCBOR(r io.Reader) ([]Record, error) {
	dec := cborDecMode.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if stderrors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// memorySink keeps records in memory, for runs without an output directory.
type memorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *memorySink) write(rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) close() error { return nil }

func (s *memorySink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// featureFilePath returns the file a channel writes to.
func featureFilePath(outDir, channel string, format Format) string {
	ext := ".txt"
	if format == FormatCBOR {
		ext = ".cbor"
	}
	return filepath.Join(outDir, channel+ext)
}
