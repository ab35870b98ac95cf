package aff4

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/forensicxlab/exhume-body-go/body"
	"github.com/google/uuid"
)

// streamInfo is the subset of an AFF4 ImageStream's Turtle description
// this engine needs to locate and decode its segments: declared size,
// chunk size, chunks-per-segment, and compression method.
type streamInfo struct {
	urn              string
	size             int64
	chunkSize        int
	chunksPerSegment int
	compression      string
	dataBase         string
}

var (
	// subjectRegexp matches an `<urn...> a aff4:ImageStream ;` opening
	// triple; AFF4 volumes write one predicate per line inside a
	// semicolon-joined block rather than a single compact statement, so
	// the rest of the block is walked line by line.
	subjectRegexp = regexp.MustCompile(`^<([^>]+)>\s+a\s+aff4:ImageStream\s*[;.]`)
	// predicateRegexp matches a `prefix:localName value ;` line. Only the
	// local name after the prefix matters; values are cleaned up by
	// literalValue below.
	predicateRegexp = regexp.MustCompile(`^\s*\w+:(\w+)\s+(.+?)\s*[;.]$`)
)

// parseTurtle extracts every aff4:ImageStream subject from a Turtle
// metadata document. The engine reads the line-oriented subset AFF4
// writers actually emit (one predicate per line, semicolon-joined
// blocks) rather than implementing general Turtle grammar.
func parseTurtle(text string) ([]streamInfo, error) {
	var streams []streamInfo
	var current *streamInfo

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "@prefix") {
			continue
		}
		if m := subjectRegexp.FindStringSubmatch(trimmed); m != nil {
			if current != nil {
				streams = append(streams, *current)
			}
			current = &streamInfo{urn: m[1], chunkSize: 32 * 1024, chunksPerSegment: 1024, compression: "lz4"}
			continue
		}
		if current == nil {
			continue
		}
		if m := predicateRegexp.FindStringSubmatch(trimmed); m != nil {
			applyPredicate(current, m[1], literalValue(m[2]))
		}
		if strings.HasSuffix(trimmed, ".") {
			streams = append(streams, *current)
			current = nil
		}
	}
	if current != nil {
		streams = append(streams, *current)
	}
	if len(streams) == 0 {
		return nil, body.MissingErrorf("", "no aff4:ImageStream subject found in Turtle metadata")
	}
	return streams, nil
}

// literalValue strips the Turtle decoration off an object: surrounding
// angle brackets on a named node, quotes and any ^^xsd datatype suffix
// on a literal.
func literalValue(raw string) string {
	v := strings.TrimSpace(raw)
	if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") {
		return v[1 : len(v)-1]
	}
	if i := strings.Index(v, "^^"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return strings.Trim(v, `"`)
}

// applyPredicate folds one (predicate local name, value) pair into s.
// "size" keeps the largest numeric literal seen (an AFF4 volume may
// restate the size in more than one namespace), everything else takes
// the last value.
func applyPredicate(s *streamInfo, predicate, value string) {
	switch predicate {
	case "size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > s.size {
			s.size = n
		}
	case "chunkSize":
		if n, err := strconv.Atoi(value); err == nil {
			s.chunkSize = n
		}
	case "chunksInSegment":
		if n, err := strconv.Atoi(value); err == nil {
			s.chunksPerSegment = n
		}
	case "compressionMethod":
		lower := strings.ToLower(value)
		switch {
		case strings.Contains(lower, "lz4"):
			s.compression = "lz4"
		case strings.Contains(lower, "snappy"):
			s.compression = "snappy"
		case strings.Contains(lower, "zlib"):
			s.compression = "zlib"
		case strings.Contains(lower, "none") || strings.Contains(lower, "null") || strings.Contains(lower, "stored"):
			s.compression = "none"
		default:
			s.compression = "unknown"
		}
	case "dataStream":
		s.dataBase = zipMemberPrefix(value)
	}
}

// zipMemberPrefix recodes an aff4://... named-node IRI into the
// percent-encoded form AFF4 volumes use for Zip member path prefixes.
func zipMemberPrefix(iri string) string {
	return strings.Replace(iri, "://", "%3A%2F%2F", 1)
}

func lastURNComponent(urn string) string {
	urn = strings.TrimSuffix(urn, "/data")
	if idx := strings.LastIndexAny(urn, "/:"); idx >= 0 {
		return urn[idx+1:]
	}
	return urn
}

func zeroPad8(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

// parseURNUUID validates the UUID component of an AFF4 URN of the form
// "aff4://<uuid>" or "aff4://<uuid>/data". A malformed UUID simply
// reports ok=false; callers fall back to the raw string.
func parseURNUUID(urn string) (uuid.UUID, bool) {
	id := lastURNComponent(urn)
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, false
	}
	return u, true
}
