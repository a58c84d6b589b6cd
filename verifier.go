package ipqsdb

import (
	"runtime"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
)

type verifier struct {
	reader *Reader
}

// Verify checks that the database is valid. It validates the header, the
// search tree, and every record the tree reaches. This verifier is
// stricter than a normal lookup and may return errors on databases that
// are still usable for the addresses a caller happens to query.
func (r *Reader) Verify() error {
	v := verifier{r}
	if err := v.verifyHeader(); err != nil {
		return err
	}

	err := v.verifyTreeAndRecords()
	runtime.KeepAlive(v.reader)
	return err
}

func (v *verifier) verifyHeader() error {
	h := v.reader.header

	if h.TreeDepth != 32 && h.TreeDepth != 128 {
		return testError("tree depth", "32 or 128", h.TreeDepth)
	}
	if h.IPv6 != (h.TreeDepth == 128) {
		return testError("tree depth", "matching the address family flag", h.TreeDepth)
	}
	if h.TreeRoot > h.RecordBase {
		return testError("tree root", "an offset at or before the record base", h.TreeRoot)
	}
	if h.RecordBase > v.reader.source.Len() {
		return testError("record base", "an offset within the file", h.RecordBase)
	}
	if h.PackedFlags && h.PreludeSize == 0 {
		return testError("flag prelude size", "positive when packed flags are declared", h.PreludeSize)
	}
	return nil
}

// verifyTreeAndRecords walks the whole tree, decoding every reachable
// record completely.
func (v *verifier) verifyTreeAndRecords() error {
	networks := v.reader.Networks()
	for {
		prefix, _, err := networks.Next()
		if err != nil {
			return err
		}
		if !prefix.IsValid() {
			return nil
		}
	}
}

func testError(field string, expected, actual any) error {
	return dberrors.NewHeaderError(
		"%v - Expected: %v Actual: %v", field, expected, actual,
	)
}
