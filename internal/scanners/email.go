package scanners

import (
	"regexp"

	"github.com/anstrom/bulkscan/internal/scanner"
)

// Channels written by the email scanner.
const (
	EmailChannel  = "email"
	DomainChannel = "domain"
)

// emailPattern captures the domain of each address as group 1.
var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]{1,64}@((?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,24})`)

// Email finds RFC 822 style addresses and records each address on the
// email channel and its domain on the domain channel.
func Email() scanner.Func {
	return func(p *scanner.Params) error {
		if err := p.CheckVersion(scanner.ContractVersion); err != nil {
			return err
		}
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "email"
			p.Info.Author = author
			p.Info.Description = "Scans for email addresses and their domains"
			p.Info.Version = "1.0"
			p.Info.FeatureNames = []string{EmailChannel, DomainChannel}
		case scanner.PhaseScan:
			return scanEmail(p)
		}
		return nil
	}
}

func scanEmail(p *scanner.Params) error {
	emails, err := p.Recorder(EmailChannel)
	if err != nil {
		return err
	}
	domains, err := p.Recorder(DomainChannel)
	if err != nil {
		return err
	}

	buf := p.Buf
	for _, m := range emailPattern.FindAllSubmatchIndex(buf.Data(), -1) {
		if m[0] >= buf.PageSize() {
			break
		}
		if err := emails.WriteBuf(buf, m[0], m[1]-m[0]); err != nil {
			return err
		}
		if err := domains.WriteBufAnchored(buf, m[0], m[2], m[3]-m[2]); err != nil {
			return err
		}
	}
	return nil
}
