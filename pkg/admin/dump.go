package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
)

// diagnosticDump is the point-in-time snapshot pg_dump_fdw_xacts
// produces, for attaching to an incident report.
type diagnosticDump struct {
	TakenAt time.Time `json:"takenAt"`
	Entries []Row     `json:"entries"`
}

// dump serves a zstd-compressed JSON snapshot of every in-doubt entry,
// the same compressor laura-db's storage layer uses for cold pages
// (pkg/compression).
func (h *handler) dump(w http.ResponseWriter, r *http.Request) {
	snapshot := diagnosticDump{TakenAt: time.Now(), Entries: h.svc.ListPrepared()}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal_failed", err.Error())
		return
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compress_init_failed", err.Error())
		return
	}
	defer enc.Close()

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", "attachment; filename=fdw-xacts-dump.json.zst")
	w.WriteHeader(http.StatusOK)
	w.Write(enc.EncodeAll(raw, nil))
}
