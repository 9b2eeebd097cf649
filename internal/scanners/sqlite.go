package scanners

import (
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// SQLiteChannel receives carved SQLite databases.
const SQLiteChannel = "sqlite"

const (
	sqliteMinPage = 512
	sqliteMaxPage = 65536

	sqlitePageSizeOffset  = 16
	sqlitePageCountOffset = 28
)

var sqliteMagic = []byte("SQLite format 3\x00")

// SQLite carves SQLite 3 databases. The carve length is the page size times
// the in-header page count, clipped to the buffer; a clipped database still
// holds recoverable rows.
func SQLite() scanner.Func {
	mode := feature.CarveAll
	return func(p *scanner.Params) error {
		if err := p.CheckVersion(scanner.ContractVersion); err != nil {
			return err
		}
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "sqlite"
			p.Info.Author = author
			p.Info.Description = "Scans for SQLite3 databases"
			p.Info.Version = "1.1"
			p.Info.FeatureNames = []string{SQLiteChannel}
			return p.GetConfig("sqlite_carve_mode", &mode, "0=carve none; 1=carve encoded; 2=carve all")
		case scanner.PhaseInit:
			if err := p.GetConfig("sqlite_carve_mode", &mode, "0=carve none; 1=carve encoded; 2=carve all"); err != nil {
				return err
			}
			rec, err := p.Recorder(SQLiteChannel)
			if err != nil {
				return err
			}
			return rec.SetCarveMode(mode)
		case scanner.PhaseScan:
			return scanSQLite(p)
		}
		return nil
	}
}

func validSQLitePageSize(n int) bool {
	return n >= sqliteMinPage && n <= sqliteMaxPage && n&(n-1) == 0
}

func scanSQLite(p *scanner.Params) error {
	rec, err := p.Recorder(SQLiteChannel)
	if err != nil {
		return err
	}
	buf := p.Buf
	for i := 0; i+sqliteMinPage <= buf.Len(); {
		begin := buf.Find(sqliteMagic, i)
		if begin < 0 || begin >= buf.PageSize() {
			return nil
		}

		raw, err := buf.U16BE(begin + sqlitePageSizeOffset)
		if err != nil {
			return nil
		}
		pageSize := int(raw)
		if pageSize == 1 {
			pageSize = sqliteMaxPage
		}

		if validSQLitePageSize(pageSize) {
			pages, err := buf.U32BE(begin + sqlitePageCountOffset)
			if err != nil {
				return nil
			}
			size := int64(pageSize) * int64(pages)
			if size > 0 {
				n := int(min(size, int64(buf.Len()-begin)))
				if _, err := rec.Carve(buf, begin, n, ".sqlite3"); err != nil {
					return err
				}
				i = begin + n
				continue
			}
		}
		i = begin + sqliteMinPage
	}
	return nil
}
