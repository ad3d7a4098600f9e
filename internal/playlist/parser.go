package playlist

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the raw text of a playlist URL. Implementations are
// expected to apply their own HTTP timeout.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Parser parses master and media playlists in the extended-M3U dialect.
// Concurrent Parse calls for the same resolved URL collapse into one
// Fetch via singleflight. Nested playlists met by the segment downloader
// are fetched by the downloader itself and do not pass through this
// collapsing.
type Parser struct {
	fetcher Fetcher
	group   singleflight.Group
}

// NewParser builds a Parser backed by fetcher.
func NewParser(fetcher Fetcher) *Parser {
	return &Parser{fetcher: fetcher}
}

// Parse fetches and parses sourceURL (which may carry a '|'-delimited
// header suffix), following at most one level of master→media redirect.
func (p *Parser) Parse(ctx context.Context, sourceURL string) (Result, error) {
	url, headerSuffix := SplitHeaderSuffix(sourceURL)
	return p.parseURL(ctx, url, headerSuffix, 0)
}

func (p *Parser) parseURL(ctx context.Context, url, headerSuffix string, depth int) (Result, error) {
	if depth > 1 {
		return Result{}, fmt.Errorf("%w: master playlist redirected more than once", ErrMalformedPlaylist)
	}

	content, err := p.fetch(ctx, url)
	if err != nil {
		return Result{}, err
	}

	if strings.Contains(content, "EXT-X-STREAM-INF") {
		variantURL, err := selectHighestBandwidthVariant(content, url)
		if err != nil {
			return Result{}, err
		}
		return p.parseURL(ctx, variantURL, headerSuffix, depth+1)
	}

	return ParseMediaPlaylist(content, url, headerSuffix)
}

func (p *Parser) fetch(ctx context.Context, url string) (string, error) {
	v, err, _ := p.group.Do(url, func() (interface{}, error) {
		return p.fetcher.Fetch(ctx, url)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// selectHighestBandwidthVariant picks the EXT-X-STREAM-INF entry with the
// highest BANDWIDTH attribute and resolves its URI against base.
func selectHighestBandwidthVariant(content, base string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))

	var (
		bestBandwidth int64 = -1
		bestURI       string
		pending       bool
		pendingBW     int64
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingBW = parseBandwidth(line)
			pending = true
		case pending && line != "" && !strings.HasPrefix(line, "#"):
			if pendingBW > bestBandwidth {
				bestBandwidth = pendingBW
				bestURI = line
			}
			pending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPlaylist, err)
	}
	if bestURI == "" {
		return "", fmt.Errorf("%w: master playlist has no variant URI", ErrMalformedPlaylist)
	}
	return ResolveURL(base, bestURI), nil
}

func parseBandwidth(line string) int64 {
	const key = "BANDWIDTH="
	idx := strings.Index(line, key)
	if idx == -1 {
		return 0
	}
	rest := line[idx+len(key):]
	if end := strings.IndexByte(rest, ','); end != -1 {
		rest = rest[:end]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseMediaPlaylist parses a single media playlist's text. base and
// headerSuffix are used to resolve and decorate segment URLs.
func ParseMediaPlaylist(content, base, headerSuffix string) (Result, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))

	var (
		hasTargetDuration bool
		targetDuration    float64
		mediaSequence     int64
		isVOD             bool
		nextDuration      float64
		ordinal           int64
		segments          []Segment
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			n, err := strconv.Atoi(v)
			if err != nil {
				return Result{}, fmt.Errorf("%w: bad EXT-X-TARGETDURATION %q: %v", ErrMalformedPlaylist, v, err)
			}
			targetDuration = float64(n)
			hasTargetDuration = true

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Result{}, fmt.Errorf("%w: bad EXT-X-MEDIA-SEQUENCE %q: %v", ErrMalformedPlaylist, v, err)
			}
			mediaSequence = int64(n)

		case line == "#EXT-X-ENDLIST":
			isVOD = true

		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.IndexByte(v, ','); idx != -1 {
				v = v[:idx]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || d < 0 {
				return Result{}, fmt.Errorf("%w: bad EXTINF duration in %q", ErrMalformedPlaylist, line)
			}
			nextDuration = d

		case strings.HasPrefix(line, "#"):
			// Unknown tag: ignored without error.

		default:
			resolved := AttachHeaderSuffix(ResolveURL(base, line), headerSuffix)
			segments = append(segments, Segment{
				URL:           resolved,
				HeaderSuffix:  headerSuffix,
				InternalIndex: mediaSequence + ordinal,
				Duration:      nextDuration,
			})
			ordinal++
			nextDuration = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPlaylist, err)
	}
	if !hasTargetDuration {
		return Result{}, fmt.Errorf("%w: missing EXT-X-TARGETDURATION", ErrMalformedPlaylist)
	}

	return Result{
		Info: Info{
			TargetDuration: targetDuration,
			IsVOD:          isVOD,
			MediaSequence:  mediaSequence,
			BaseURL:        base,
			HeaderSuffix:   headerSuffix,
		},
		Segments: segments,
	}, nil
}
