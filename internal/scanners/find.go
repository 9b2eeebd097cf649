package scanners

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// FindChannel receives every match of the user's search patterns.
const FindChannel = "find"

// finder holds the patterns compiled during INIT. They are read-only
// while buffers are scanned.
type finder struct {
	pattern string
	file    string
	re      *regexp.Regexp
}

// Find records every match of the regular expressions given with the
// find_regex option or listed in the find_file option. Without patterns
// it does nothing.
func Find() scanner.Func {
	f := &finder{}
	return func(p *scanner.Params) error {
		if err := p.CheckVersion(scanner.ContractVersion); err != nil {
			return err
		}
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "find"
			p.Info.Author = author
			p.Info.Description = "Searches for user supplied regular expressions"
			p.Info.Version = "1.1"
			p.Info.Flags = scanner.FlagFindScanner
			p.Info.FeatureNames = []string{FindChannel}
			return f.configure(p)
		case scanner.PhaseInit:
			if err := f.configure(p); err != nil {
				return err
			}
			return f.compile()
		case scanner.PhaseScan:
			return f.scan(p)
		}
		return nil
	}
}

func (f *finder) configure(p *scanner.Params) error {
	if err := p.GetConfig("find_regex", &f.pattern, "Regular expression to search for"); err != nil {
		return err
	}
	return p.GetConfig("find_file", &f.file, "File of regular expressions, one per line; # starts a comment")
}

// compile joins every pattern into one alternation so each buffer is
// walked once.
func (f *finder) compile() error {
	var patterns []string
	if f.pattern != "" {
		patterns = append(patterns, f.pattern)
	}
	if f.file != "" {
		more, err := readPatterns(f.file)
		if err != nil {
			return err
		}
		patterns = append(patterns, more...)
	}
	if len(patterns) == 0 {
		f.re = nil
		return nil
	}

	for i, pat := range patterns {
		if _, err := regexp.Compile(pat); err != nil {
			return errors.WrapConfigError(errors.CodeValidation, "invalid find pattern", err).
				WithField("find_regex", pat)
		}
		patterns[i] = "(?:" + pat + ")"
	}
	re, err := regexp.Compile(strings.Join(patterns, "|"))
	if err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "invalid find patterns", err)
	}
	f.re = re
	return nil
}

func readPatterns(path string) ([]string, error) {
	file, err := os.Open(path) // #nosec G304 -- path is an operator supplied pattern file
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to open find file", err).
			WithField("find_file", path)
	}
	defer func() { _ = file.Close() }()

	var patterns []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to read find file", err).
			WithField("find_file", path)
	}
	return patterns, nil
}

func (f *finder) scan(p *scanner.Params) error {
	if f.re == nil {
		return nil
	}
	rec, err := p.Recorder(FindChannel)
	if err != nil {
		return err
	}
	buf := p.Buf
	for _, loc := range f.re.FindAllIndex(buf.Data(), -1) {
		if loc[0] >= buf.PageSize() {
			break
		}
		if loc[1] == loc[0] {
			continue
		}
		if err := rec.WriteBuf(buf, loc[0], loc[1]-loc[0]); err != nil {
			return err
		}
	}
	return nil
}
