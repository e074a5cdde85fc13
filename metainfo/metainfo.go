// Package metainfo parses and represents the bencoded description of a
// torrent's content: its announce URL, piece layout, and single- or
// multi-file structure.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// BlockSize is the maximum number of bytes requested in a single Request
// message.
const BlockSize = 16384

// InfoHash is the SHA-1 of the bencoded info dictionary — the identity of
// a torrent throughout the system.
type InfoHash [20]byte

func (h InfoHash) String() string {
	return fmt.Sprintf("%x", [20]byte(h))
}

// FileEntry describes one file of a multi-file torrent.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the `info` dictionary of a torrent file.
type Info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
}

// Metainfo is the root dictionary of a .torrent file, plus the derived
// fields (InfoHash, PieceHashes, TotalLength) the rest of the system
// needs.
type Metainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`

	InfoHash    InfoHash
	PieceHashes [][20]byte
}

// Parse reads and decodes a .torrent file at path, computing its
// info-hash and piece hash table.
func Parse(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "metainfo: reading %q", path)
	}
	return Decode(data)
}

// Decode parses the raw bytes of a bencoded .torrent file.
func Decode(data []byte) (*Metainfo, error) {
	var mi Metainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &mi); err != nil {
		return nil, errors.Wrap(err, "metainfo: decoding torrent file")
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: isolating info dictionary")
	}
	mi.InfoHash = InfoHash(sha1.Sum(infoBytes))

	hashes, err := splitPieceHashes(mi.Info.Pieces)
	if err != nil {
		return nil, err
	}
	mi.PieceHashes = hashes

	return &mi, nil
}

// EncodeInfo re-bencodes the info dictionary, used by the upload engine
// to chunk metadata for ut_metadata responses.
func EncodeInfo(info Info) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return nil, errors.Wrap(err, "metainfo: re-encoding info dictionary")
	}
	return buf.Bytes(), nil
}

// splitPieceHashes slices the concatenated SHA-1 hash table into
// individual 20-byte hashes.
func splitPieceHashes(pieces string) ([][20]byte, error) {
	buf := []byte(pieces)
	const hashLen = 20
	if len(buf)%hashLen != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of %d", len(buf), hashLen)
	}

	n := len(buf) / hashLen
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], buf[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

// extractInfoBytes locates the raw bencoded bytes of the top-level
// "info" value without re-encoding it, so the computed info-hash is the
// SHA-1 of the info bytes exactly as they appear in the file, whatever
// key order they use.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at byte %d", i)
					}
					i = j + length
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}

// NumPieces returns the piece count N = ceil(TotalLength/PieceLength).
func (m *Metainfo) NumPieces() int {
	if m.Info.PieceLength <= 0 {
		return 0
	}
	return int((m.TotalLength() + m.Info.PieceLength - 1) / m.Info.PieceLength)
}

// TotalLength returns the sum of all file lengths: Info.Length for a
// single-file torrent, or the sum of Info.Files for a multi-file one.
func (m *Metainfo) TotalLength() int64 {
	if len(m.Info.Files) == 0 {
		return m.Info.Length
	}
	var total int64
	for _, f := range m.Info.Files {
		total += f.Length
	}
	return total
}

// IsMultiFile reports whether this torrent describes more than one file.
func (m *Metainfo) IsMultiFile() bool {
	return len(m.Info.Files) > 0
}

// PieceBounds returns the [begin, end) byte range of piece index within
// the logical content stream.
func (m *Metainfo) PieceBounds(index int) (begin, end int64) {
	begin = int64(index) * m.Info.PieceLength
	end = begin + m.Info.PieceLength
	if total := m.TotalLength(); end > total {
		end = total
	}
	return begin, end
}

// PieceLength returns the length in bytes of piece index, accounting for
// a shorter final piece.
func (m *Metainfo) PieceLength(index int) int64 {
	begin, end := m.PieceBounds(index)
	return end - begin
}
