// Package dataserver streams a Wikipedia revision dump and its metadata to
// vandalism-detection clients over TCP and records the scores they return.
//
// # Protocol
//
// A client connects and sends its token as one CRLF-terminated line. The
// server then writes length-prefixed frames in pairs: a metadata CSV row
// followed by the revision XML it describes. Every frame is a 4-byte
// big-endian length followed by that many bytes. The first pair carries the
// CSV header and the XML preamble ahead of the first row and revision. A
// trailer pair carries what follows the last revision, so the concatenated
// revision frames form a complete XML document. The server then half-closes
// its write side.
//
// While reading, the client answers with a CSV stream:
//
//	REVISION_ID,VANDALISM_SCORE\r\n
//	<id>,<score>\r\n
//	...
//
// At most Config.WindowSize revisions may be unscored at any time; the
// server stops sending until the oldest one is answered. Scores are written
// to <OutputDir>/<token>.csv in the order revisions were sent.
//
// # Running a server
//
//	cfg := dataserver.Config{
//	    Listen:    ":8000",
//	    Revisions: "/data/revisions.xml.7z",
//	    Metadata:  "s3://minio.local:9000/datasets/metadata.csv.gz",
//	    OutputDir: "/var/lib/dataserver",
//	}
//	srv, stop, err := dataserver.StartServer(ctx, cfg, dataserver.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// Datasets are opened per connection through the source router, which
// understands local paths, s3://, aws:// and azure:// locations and
// decompresses .7z, .zst, .gz, .bz2 and .sz files by extension.
//
// # Access control
//
// Without Config.TiraPath every path-safe token is accepted. With it, the
// token must name a sandboxed TIRA run in progress and the client must come
// from Config.ClientIPPrefix.
package dataserver
