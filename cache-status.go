package fetchpool

import "fmt"

// Cache-Status response header (RFC 9211), identifying this proxy as the cache.

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"
)

const cacheStatusName = "fetchpool"

type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	fwdStatus int
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason, status int) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
	cs.fwdStatus = status
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
		if cs.fwdStatus != 0 {
			status = fmt.Sprintf("%s; fwd-status=%d", status, cs.fwdStatus)
		}
	}
	if cs.detail != "" {
		status = fmt.Sprintf("%s; detail=%q", status, cs.detail)
	}
	return status
}
