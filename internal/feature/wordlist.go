package feature

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// WordList matches features against plain words, word/context pairs and
// regular expressions. Plain words match case-insensitively.
//
// File format, one entry per line:
//
//	word
//	word<TAB>context
//	/regex/
//
// Blank lines and lines starting with '#' are ignored.
type WordList struct {
	words    map[string]struct{}
	pairs    map[[2]string]struct{}
	patterns []*regexp.Regexp
}

// NewWordList returns an empty list.
func NewWordList() *WordList {
	return &WordList{
		words: make(map[string]struct{}),
		pairs: make(map[[2]string]struct{}),
	}
}

// LoadWordList reads a list from path.
func LoadWordList(path string) (*WordList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseWordList(f)
}

// ParseWordList reads a list from r.
func ParseWordList(r io.Reader) (*WordList, error) {
	wl := NewWordList()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if err := wl.Add(sc.Text()); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return wl, nil
}

// Add parses one entry.
func (w *WordList) Add(entry string) error {
	entry = strings.TrimRight(entry, "\r")
	if strings.TrimSpace(entry) == "" || strings.HasPrefix(entry, "#") {
		return nil
	}
	if len(entry) >= 2 && entry[0] == '/' && entry[len(entry)-1] == '/' {
		re, err := regexp.Compile(entry[1 : len(entry)-1])
		if err != nil {
			return err
		}
		w.patterns = append(w.patterns, re)
		return nil
	}
	if word, ctx, ok := strings.Cut(entry, "\t"); ok {
		w.pairs[[2]string{word, ctx}] = struct{}{}
		return nil
	}
	w.words[strings.ToLower(entry)] = struct{}{}
	return nil
}

// Len returns the number of entries.
func (w *WordList) Len() int {
	if w == nil {
		return 0
	}
	return len(w.words) + len(w.pairs) + len(w.patterns)
}

// Match reports whether the feature, seen with context, is on the list.
// A nil list matches nothing.
func (w *WordList) Match(feature, context string) bool {
	if w == nil {
		return false
	}
	if _, ok := w.words[strings.ToLower(feature)]; ok {
		return true
	}
	if len(w.pairs) > 0 {
		if _, ok := w.pairs[[2]string{feature, context}]; ok {
			return true
		}
	}
	for _, re := range w.patterns {
		if re.MatchString(feature) {
			return true
		}
	}
	return false
}
