// Command ruckreport renders report artifacts from a stored session: an
// HTML chart page and, optionally, an elevation profile PNG.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lelanhus/ruck-map-sub009/internal/report"
	"github.com/lelanhus/ruck-map-sub009/internal/store"
	"github.com/lelanhus/ruck-map-sub009/internal/version"
)

var (
	dbFile      = flag.String("db", "sessions.db", "SQLite database to read")
	sessionID   = flag.String("session", "", "Session ID to report on (default: most recent)")
	outFile     = flag.String("out", "report.html", "HTML report output path")
	pngFile     = flag.String("png", "", "Elevation profile PNG output path (optional)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("ruckreport %s\n", version.String())
		return
	}

	// Opening a missing path would create an empty database; catch it first.
	if _, err := os.Stat(*dbFile); err != nil {
		log.Fatalf("database %s not readable: %v", *dbFile, err)
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	id := *sessionID
	if id == "" {
		recent, err := st.ListSessions(1)
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		if len(recent) == 0 {
			log.Fatal("no sessions in database")
		}
		id = recent[0].ID
		log.Printf("no -session given, using most recent: %s", id)
	}

	rec, err := st.GetSummary(id)
	if err != nil {
		log.Fatalf("failed to load session: %v", err)
	}
	points, err := st.PointsForSession(id)
	if err != nil {
		log.Fatalf("failed to load points: %v", err)
	}
	segs, err := st.SegmentsForSession(id)
	if err != nil {
		log.Fatalf("failed to load terrain segments: %v", err)
	}

	sum := report.SummaryFromRecord(rec, segs)

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outFile, err)
	}
	if err := report.WriteHTML(f, sum, points); err != nil {
		f.Close()
		log.Fatalf("failed to render report: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to write %s: %v", *outFile, err)
	}
	log.Printf("wrote %s (%d points, %d segments)", *outFile, len(points), len(segs))

	if *pngFile != "" {
		if err := report.WriteElevationPNG(*pngFile, points); err != nil {
			log.Fatalf("failed to render elevation profile: %v", err)
		}
		log.Printf("wrote %s", *pngFile)
	}
}
