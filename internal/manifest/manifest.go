// Package manifest parses .torrent files (BEP 3 metainfo dictionaries) into
// the Manifest type used throughout the download pipeline.
package manifest

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/kvnl/torrentcore/internal/bencode"
)

// Manifest is the parsed form of a .torrent file: everything needed to
// announce to a tracker and to validate and lay out downloaded pieces.
type Manifest struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the bencoded "info" dictionary: piece geometry plus either a
// single-file or multi-file layout.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool

	// Length is set for a single-file torrent; Files is set for a
	// multi-file torrent. Exactly one of the two is populated.
	Length int64
	Files  []File
}

// File is one entry of a multi-file torrent's "files" list. Path is the
// slash-free list of path segments, relative to Info.Name.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("manifest: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("manifest: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("manifest: 'info' missing")
	ErrInfoNotDict         = errors.New("manifest: 'info' is not a dict")
	ErrNameMissing         = errors.New("manifest: 'info' name missing")
	ErrPieceLenMissing     = errors.New("manifest: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("manifest: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("manifest: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("manifest: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("manifest: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("manifest: invalid creation date")
)

// Size returns the total byte length of the content described by the
// manifest, across all files for a multi-file layout.
func (m *Manifest) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}

	return sum
}

// NumPieces returns the number of pieces described by the manifest.
func (m *Manifest) NumPieces() int { return len(m.Info.Pieces) }

// Parse decodes a raw .torrent file into a Manifest, computing the info
// hash used both for tracker announces and the wire handshake.
func Parse(data []byte) (*Manifest, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := toInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := optionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := optionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := optionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hashed, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("manifest: info hash: %w", err)
	}

	return &Manifest{
		Info:         info,
		InfoHash:     sha1.Sum(hashed),
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = toString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("manifest: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := toInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := toInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf("manifest: invalid 'private' flag")
		}
		out.Private = privInt == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("manifest: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("manifest: invalid or empty 'files'")
	}

	files := make([]File, 0, len(arr))

	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("manifest: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("manifest: files[%d]: length missing", i)
		}
		ln, err := toInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("manifest: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("manifest: files[%d]: path missing", i)
		}
		segments, err := toStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("manifest: files[%d]: invalid path", i)
		}

		files = append(files, File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("manifest: invalid announce-list")
	}

	out := make([][]string, 0, len(raw))
	for i, tier := range raw {
		ss, err := toStringSlice(tier)
		if err != nil {
			return nil, fmt.Errorf("manifest: announce-list[%d]: %w", i, err)
		}
		if len(ss) > 0 {
			out = append(out, ss)
		}
	}
	return out, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("manifest: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}
