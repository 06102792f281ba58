package models

import "sort"

// FileHashes holds extracted file hashes split by digest length.
type FileHashes struct {
	MD5    []string `json:"md5"`
	SHA1   []string `json:"sha1"`
	SHA256 []string `json:"sha256"`
}

// IOCSet is the result of indicator extraction over a record sequence.
// All slices are sorted and deduplicated.
type IOCSet struct {
	IPs            []string   `json:"ips"`
	Domains        []string   `json:"domains"`
	FileHashes     FileHashes `json:"file_hashes"`
	EmailAddresses []string   `json:"email_addresses"`
	URLs           []string   `json:"urls"`
}

// EmptyIOCSet returns an IOCSet with all collections allocated and empty,
// matching the shape emitted for an empty corpus.
func EmptyIOCSet() IOCSet {
	return IOCSet{
		IPs:            []string{},
		Domains:        []string{},
		FileHashes:     FileHashes{MD5: []string{}, SHA1: []string{}, SHA256: []string{}},
		EmailAddresses: []string{},
		URLs:           []string{},
	}
}

// Merge returns the set union of two IOC sets. Output stays sorted.
func (s IOCSet) Merge(other IOCSet) IOCSet {
	return IOCSet{
		IPs:            unionSorted(s.IPs, other.IPs),
		Domains:        unionSorted(s.Domains, other.Domains),
		EmailAddresses: unionSorted(s.EmailAddresses, other.EmailAddresses),
		URLs:           unionSorted(s.URLs, other.URLs),
		FileHashes: FileHashes{
			MD5:    unionSorted(s.FileHashes.MD5, other.FileHashes.MD5),
			SHA1:   unionSorted(s.FileHashes.SHA1, other.FileHashes.SHA1),
			SHA256: unionSorted(s.FileHashes.SHA256, other.FileHashes.SHA256),
		},
	}
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}
