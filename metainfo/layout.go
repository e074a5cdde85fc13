package metainfo

import "path/filepath"

// FileSpan is one backing file of a torrent's content, positioned within
// the logical byte stream formed by concatenating all files in order.
type FileSpan struct {
	Path   string
	Length int64
	Offset int64 // offset of this file's first byte within the logical stream
}

// BuildFileSpans derives the ordered file list and offsets for a torrent,
// rooted at outputDir. Single-file torrents produce one span named after
// Info.Name directly inside outputDir; multi-file torrents nest every
// entry's path under outputDir/Info.Name, mirroring the teacher's
// BuildFileInfo.
func (m *Metainfo) BuildFileSpans(outputDir string) []FileSpan {
	if !m.IsMultiFile() {
		return []FileSpan{{
			Path:   filepath.Join(outputDir, m.Info.Name),
			Length: m.Info.Length,
			Offset: 0,
		}}
	}

	base := filepath.Join(outputDir, m.Info.Name)
	spans := make([]FileSpan, 0, len(m.Info.Files))
	var offset int64
	for _, f := range m.Info.Files {
		parts := append([]string{base}, f.Path...)
		spans = append(spans, FileSpan{
			Path:   filepath.Join(parts...),
			Length: f.Length,
			Offset: offset,
		})
		offset += f.Length
	}
	return spans
}

// Segment is the portion of a single backing file touched by one piece.
type Segment struct {
	FileIndex    int
	OffsetInFile int64
	ByteCount    int64
}

// PieceSegments returns, in file order, every (file, offset, length)
// segment that the stream byte range [pieceBegin, pieceEnd) falls into.
// A piece that crosses a
// file boundary yields more than one segment. Both the download
// assembler and the upload engine's piece->file mapping (§4.5, §4.7)
// are built on this.
func PieceSegments(spans []FileSpan, pieceBegin, pieceEnd int64) []Segment {
	var segments []Segment
	for i, span := range spans {
		fileStart := span.Offset
		fileEnd := span.Offset + span.Length

		start := max64(pieceBegin, fileStart)
		end := min64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		segments = append(segments, Segment{
			FileIndex:    i,
			OffsetInFile: start - fileStart,
			ByteCount:    end - start,
		})
	}
	return segments
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
