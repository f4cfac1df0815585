package lookup

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mraysmit/apex/internal/config"
)

// Signature is the content-addressed fingerprint of a dataset descriptor.
// Equal signatures imply behaviorally equivalent lookup services, so the
// dataset cache coalesces on it.
type Signature struct {
	Type        string
	ContentHash string
	KeyField    string
}

// Key renders the signature as a cache key. All three fields distinguish;
// the same content indexed by a different key field is a different service.
func (s Signature) Key() string {
	return s.Type + ":" + s.ContentHash + ":" + s.KeyField
}

func (s Signature) String() string { return s.Key() }

// SignatureFor computes the deterministic signature of a dataset descriptor.
func SignatureFor(ds *config.LookupDataset) Signature {
	switch ds.Type {
	case config.DatasetInline:
		return Signature{
			Type:        "inline",
			ContentHash: shortHash(canonicalData(ds.Data)),
			KeyField:    ds.KeyField,
		}
	case config.DatasetFile:
		return Signature{
			Type:        "file",
			ContentHash: normalizePath(ds.FilePath),
			KeyField:    ds.KeyField,
		}
	case config.DatasetDatabase:
		var params []string
		for _, p := range ds.Parameters {
			params = append(params, p.Field+":"+p.Type)
		}
		material := fmt.Sprintf("conn:%s;ds:%s;q:%s;qref:%s;params:%s",
			ds.ConnectionName, ds.DataSourceRef, ds.Query, ds.QueryRef, strings.Join(params, ","))
		return Signature{Type: "database", ContentHash: shortHash(material), KeyField: ds.KeyField}
	case config.DatasetRESTAPI:
		material := fmt.Sprintf("conn:%s;ds:%s;ep:%s;op:%s",
			ds.ConnectionName, ds.DataSourceRef, ds.Endpoint, ds.OperationRef)
		return Signature{Type: "rest-api", ContentHash: shortHash(material), KeyField: ds.KeyField}
	default:
		return Signature{Type: ds.Type, ContentHash: shortHash(ds.Type), KeyField: ds.KeyField}
	}
}

// shortHash is the first 8 hex characters of an MD5 digest. A fingerprint,
// not a security boundary.
func shortHash(material string) string {
	sum := md5.Sum([]byte(material))
	return hex.EncodeToString(sum[:])[:8]
}

// canonicalData renders inline rows into a stable string form independent of
// map iteration order.
func canonicalData(rows []map[string]any) string {
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('|')
		}
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for j, k := range keys {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%s=%v", k, row[k])
		}
	}
	return b.String()
}

// normalizePath rewrites a file path with forward slashes and underscored
// spaces so the same file yields the same signature across platforms.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.ReplaceAll(path, " ", "_")
}
