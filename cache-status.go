package filterproxy

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain a response for the request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache contained an entry for the request URI, but it could not be read.
	// The entry has been deleted.
	CacheStatusFwdReadFailure CacheStatusFwdReason = "read-failure"
)

// CacheStatus describes how a request was served.
// It is only used for logging, clients receive the origin's bytes untouched.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	// Whether the forwarded response was published to the cache.
	Stored bool
	detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("filterproxy; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
