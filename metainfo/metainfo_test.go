package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func encodeTestTorrent(t *testing.T, mi Metainfo) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, mi))
	return buf.Bytes()
}

func TestDecodeSingleFileTorrent(t *testing.T) {
	info := Info{
		PieceLength: 16384,
		Pieces:      string(make([]byte, 40)),
		Name:        "movie.mkv",
		Length:      30000,
	}
	raw := encodeTestTorrent(t, Metainfo{Announce: "http://tracker.example/announce", Info: info})

	mi, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", mi.Announce)
	require.Equal(t, int64(30000), mi.TotalLength())
	require.False(t, mi.IsMultiFile())
	require.Equal(t, 2, mi.NumPieces())
}

func TestDecodeMultiFileTorrentTotalLength(t *testing.T) {
	info := Info{
		PieceLength: 1024,
		Pieces:      string(make([]byte, 20)),
		Name:        "album",
		Files: []FileEntry{
			{Length: 500, Path: []string{"track1.mp3"}},
			{Length: 700, Path: []string{"track2.mp3"}},
		},
	}
	raw := encodeTestTorrent(t, Metainfo{Announce: "http://tracker.example/announce", Info: info})

	mi, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, mi.IsMultiFile())
	require.Equal(t, int64(1200), mi.TotalLength())
}

func TestInfoHashIsSHA1OfRawInfoBytes(t *testing.T) {
	// Two hand-built .torrent byte strings whose "info" dict keys appear
	// in a different order each hash to the SHA-1 of their own raw info
	// bytes, since extractInfoBytes isolates the raw bytes rather than
	// re-encoding them.
	infoA := "d6:lengthi10e4:name5:a.txt12:piece lengthi10e6:pieces20:" + string(make([]byte, 20)) + "e"
	infoB := "d4:name5:a.txt6:pieces20:" + string(make([]byte, 20)) + "12:piece lengthi10e6:lengthi10ee"

	torrentA := "d8:announce20:http://tracker.test/4:info" + infoA + "e"
	torrentB := "d8:announce20:http://tracker.test/4:info" + infoB + "e"

	miA, err := Decode([]byte(torrentA))
	require.NoError(t, err)
	miB, err := Decode([]byte(torrentB))
	require.NoError(t, err)

	require.Equal(t, sha1.Sum([]byte(infoB)), [20]byte(miB.InfoHash))
	require.Equal(t, sha1.Sum([]byte(infoA)), [20]byte(miA.InfoHash))
}

func TestPieceHashesSplit(t *testing.T) {
	h1 := bytes.Repeat([]byte{0x11}, 20)
	h2 := bytes.Repeat([]byte{0x22}, 20)
	hashes, err := splitPieceHashes(string(h1) + string(h2))
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Equal(t, h1, hashes[0][:])
	require.Equal(t, h2, hashes[1][:])
}

func TestPieceHashesRejectsMisalignedLength(t *testing.T) {
	_, err := splitPieceHashes(string(make([]byte, 25)))
	require.Error(t, err)
}

func TestPieceBoundsShortensFinalPiece(t *testing.T) {
	mi := &Metainfo{Info: Info{PieceLength: 100, Length: 250}}
	begin, end := mi.PieceBounds(2)
	require.Equal(t, int64(200), begin)
	require.Equal(t, int64(250), end)
	require.Equal(t, int64(50), mi.PieceLength(2))
}

func TestEncodeInfoRoundTrips(t *testing.T) {
	info := Info{PieceLength: 16384, Pieces: string(make([]byte, 20)), Name: "f", Length: 5}
	raw, err := EncodeInfo(info)
	require.NoError(t, err)

	var decoded Info
	require.NoError(t, bencode.Unmarshal(bytes.NewReader(raw), &decoded))
	require.Equal(t, info.Name, decoded.Name)
	require.Equal(t, info.Length, decoded.Length)
}
