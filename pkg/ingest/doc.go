// Package ingest assembles chunked file uploads into temporary storage.
//
// An upload stream is keyed by session id and file name. The first chunk opens
// the stream, every chunk re-arms an idle deadline, and the terminal chunk
// closes it and reports the completed object. A stream that stays idle past
// its deadline is destroyed together with its partial object.
package ingest
