// Package meta parses .torrent metainfo files and computes the info hash
// that identifies a torrent everywhere else in the client.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/avinier/burrow/pkg/bencode"
)

type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string

	// URLs holds BEP 19 web seed URLs from 'url-list'.
	URLs []string

	InfoHash [sha1.Size]byte
}

type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
)

// Size returns the total payload length across all files.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}

	return sum
}

// PieceCount returns the number of pieces.
func (m *Metainfo) PieceCount() int { return len(m.Info.Pieces) }

// ParseMetainfo decodes a .torrent file.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce := asString(root["announce"])
	announceList := parseAnnounceList(root["announce-list"])
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if secs, ok := asInt(root["creation date"]); ok && secs >= 0 {
		creationDate = time.Unix(secs, 0).UTC()
	}

	info, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(root["info"].(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    asString(root["created by"]),
		Comment:      asString(root["comment"]),
		Encoding:     asString(root["encoding"]),
		URLs:         parseURLList(root["url-list"]),
	}, nil
}

func parseInfo(anyInfo any) (*Info, error) {
	if anyInfo == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := anyInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var out Info

	out.Name = asString(dict["name"])
	if out.Name == "" {
		return nil, ErrNameMissing
	}

	plen, ok := asInt(dict["piece length"])
	if !ok {
		return nil, ErrPieceLenMissing
	}
	if plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(plen)

	pieces, err := parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}
	out.Pieces = pieces

	if priv, ok := asInt(dict["private"]); ok {
		if priv != 0 && priv != 1 {
			return nil, errors.New("metainfo: invalid 'private' flag")
		}
		out.Private = priv == 1
	}

	// Layout: either single-file ('length') or multi-file ('files')
	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, ok := asInt(lengthVal)
		if !ok || length < 0 {
			return nil, errors.New("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		out.Files = files

	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.New("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		ln, ok := asInt(m["length"])
		if !ok || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"].([]any)
		if !ok || len(rawPath) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}
		segments := make([]string, 0, len(rawPath))
		for _, seg := range rawPath {
			s := asString(seg)
			if s == "" {
				return nil, fmt.Errorf("metainfo: files[%d]: empty path segment", i)
			}
			segments = append(segments, s)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) [][]string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([][]string, 0, len(raw))
	for _, tierAny := range raw {
		tierRaw, ok := tierAny.([]any)
		if !ok {
			continue
		}
		tier := make([]string, 0, len(tierRaw))
		for _, u := range tierRaw {
			if s := asString(u); s != "" {
				tier = append(tier, s)
			}
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

// parseURLList accepts both the single-string and list forms of 'url-list'.
func parseURLList(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, u := range x {
			if s := asString(u); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	s, ok := v.(string)
	if !ok {
		return nil, ErrPiecesMissing
	}
	if len(s)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(s) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], s[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}

// infoHash is the SHA-1 over the canonical bencoding of the info dict.
func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}
