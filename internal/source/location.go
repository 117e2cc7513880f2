package source

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Location schemes.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeAWS   = "aws"
	SchemeAzure = "azure"
)

// Location is a parsed dataset address.
//
//	/data/revisions.xml.7z               local file
//	file:///data/revisions.xml.7z        local file
//	s3://host[:port]/bucket/key          S3-compatible endpoint
//	aws://bucket/key?region=eu-west-1    AWS S3
//	azure://account/container/blob       Azure Blob Storage
type Location struct {
	Scheme string
	// Host is the endpoint for s3 and the account for azure.
	Host string
	// Bucket is the bucket or container.
	Bucket string
	// Key is the object key, or the path for local files.
	Key   string
	Query url.Values
}

// ParseLocation parses raw into a Location.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("source: empty location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: SchemeFile, Key: filepath.Clean(raw)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("source: parse location: %w", err)
	}
	loc := Location{Scheme: strings.ToLower(u.Scheme), Query: u.Query()}
	trimmed := strings.Trim(u.Path, "/")
	switch loc.Scheme {
	case SchemeFile:
		if u.Path == "" {
			return Location{}, fmt.Errorf("source: file location missing path")
		}
		loc.Key = filepath.Clean(filepath.FromSlash(u.Path))
	case SchemeS3:
		loc.Host = strings.TrimSpace(u.Host)
		if loc.Host == "" {
			return Location{}, fmt.Errorf("source: s3 location missing host (expected s3://host[:port]/bucket/key)")
		}
		bucket, key, ok := strings.Cut(trimmed, "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("source: s3 location needs bucket and key (expected s3://host[:port]/bucket/key)")
		}
		loc.Bucket, loc.Key = bucket, key
	case SchemeAWS:
		loc.Bucket = strings.TrimSpace(u.Host)
		loc.Key = trimmed
		if loc.Bucket == "" || loc.Key == "" {
			return Location{}, fmt.Errorf("source: aws location needs bucket and key (expected aws://bucket/key)")
		}
	case SchemeAzure:
		loc.Host = strings.TrimSpace(u.Host)
		container, blob, ok := strings.Cut(trimmed, "/")
		if loc.Host == "" || !ok || container == "" || blob == "" {
			return Location{}, fmt.Errorf("source: azure location needs account, container and blob (expected azure://account/container/blob)")
		}
		loc.Bucket, loc.Key = container, blob
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return loc, nil
}

// Name returns the object's base name, which selects the decoder.
func (l Location) Name() string {
	if l.Scheme == SchemeFile {
		return filepath.Base(l.Key)
	}
	return path.Base(l.Key)
}

// String renders the location without query parameters, which may carry
// credentials.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeFile:
		return l.Key
	case SchemeAWS:
		return "aws://" + l.Bucket + "/" + l.Key
	default:
		return l.Scheme + "://" + l.Host + "/" + l.Bucket + "/" + l.Key
	}
}

func (l Location) queryBool(name string) (bool, bool) {
	v := l.Query.Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
