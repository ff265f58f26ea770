// Package mime implements the binary-searched extension-to-type and
// extension-to-encoding tables used to figure out a response's
// Content-Type and Content-Encoding from a resource's filename.
package mime

import "sort"

type entry struct {
	ext   string
	value string
}

// typeTable and encodingTable are kept sorted by extension so Lookup can
// binary search them, mirroring the original server's ext_compare/bsearch
// approach over a small static array rather than a map — the table is
// tiny and fixed, so a map buys nothing but loses the deterministic,
// allocation-free lookup.
var typeTable = sortedEntries(map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".xhtml": "application/xhtml+xml",
	".xht":  "application/xhtml+xml",
	".txt":  "text/plain",
	".css":  "text/css",
	".csv":  "text/csv",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "text/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".cgi":  "application/octet-stream",
	".asc":  "application/pgp-keys",
	".gpg":  "application/pgp-encrypted",
	".sig":  "application/pgp-signature",
})

var encodingTable = sortedEntries(map[string]string{
	".gz": "gzip",
	".Z":  "compress",
	".bz2": "bzip2",
})

func sortedEntries(m map[string]string) []entry {
	es := make([]entry, 0, len(m))
	for k, v := range m {
		es = append(es, entry{ext: k, value: v})
	}
	sort.Slice(es, func(i, j int) bool { return es[i].ext < es[j].ext })
	return es
}

func lookup(table []entry, ext string) (string, bool) {
	i := sort.Search(len(table), func(i int) bool { return table[i].ext >= ext })
	if i < len(table) && table[i].ext == ext {
		return table[i].value, true
	}
	return "", false
}

const DefaultType = "application/octet-stream"

// TypeFor returns the Content-Type for a filename extension (including
// the leading dot), or DefaultType if unknown.
func TypeFor(ext string) string {
	if v, ok := lookup(typeTable, ext); ok {
		return v
	}
	return DefaultType
}

// EncodingFor returns the Content-Encoding implied by a filename
// extension, or "" if the extension carries no implied encoding.
func EncodingFor(ext string) string {
	v, _ := lookup(encodingTable, ext)
	return v
}
