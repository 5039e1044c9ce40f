// Copyright 2024 The go-lagoon Authors
// This file is part of the go-lagoon library.
//
// The go-lagoon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-lagoon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-lagoon library. If not, see <http://www.gnu.org/licenses/>.

// Package params holds the runtime tunables. A single Params struct is built
// at startup and threaded through every subsystem; hot paths only ever read
// it. Admin param.set replaces scalar values under the params mutex, but the
// structural parameters (pool counts, workspace sizes) are fixed once the
// cache has started.
package params

import (
	"fmt"
	"time"
)

// Params is the full tunables table.
type Params struct {
	// Listening.
	ListenAddress      string        `toml:"listen_address"`
	ListenDepth        int           `toml:"listen_depth"`
	AdminAddress       string        `toml:"admin_address"`
	SessTimeout        time.Duration `toml:"sess_timeout"`        // idle timeout between requests
	SessionLinger      time.Duration `toml:"session_linger"`      // keep the worker this long before handing to the waiter
	SendTimeout        time.Duration `toml:"send_timeout"`        // SO_SNDTIMEO toward the client
	RecvTimeout        time.Duration `toml:"recv_timeout"`        // SO_RCVTIMEO during active processing
	MaxReqHeaderBytes  int           `toml:"max_req_header_bytes"`
	MaxRespHeaderBytes int           `toml:"max_resp_header_bytes"`

	// Workspaces.
	SessWorkspace int `toml:"sess_workspace"`
	WorkWorkspace int `toml:"work_workspace"`

	// Worker pools.
	ThreadPools       int           `toml:"thread_pools"`
	ThreadPoolMin     int           `toml:"thread_pool_min"`
	ThreadPoolMax     int           `toml:"thread_pool_max"`
	ThreadPoolTimeout time.Duration `toml:"thread_pool_timeout"` // idle worker reaping
	ThreadPoolAddRate float64       `toml:"thread_pool_add_rate"`
	ThreadAddDelay    time.Duration `toml:"thread_add_delay"`
	ThreadFailDelay   time.Duration `toml:"thread_fail_delay"`
	QueueMax          int           `toml:"queue_max"`
	WthreadStatsRate  time.Duration `toml:"wthread_stats_rate"` // herdtimer aggregation interval

	// Cache policy.
	DefaultTTL     time.Duration `toml:"default_ttl"`
	DefaultGrace   time.Duration `toml:"default_grace"`
	Shortlived     time.Duration `toml:"shortlived"` // objects at or below this TTL go to Transient
	MaxRestarts    int           `toml:"max_restarts"`
	RushExponent   int           `toml:"rush_exponent"`
	LRUInterval    time.Duration `toml:"lru_interval"` // minimum interval between LRU re-homes
	HashBuckets    int           `toml:"hash_buckets"` // classic slinger table width
	HashSlinger    string        `toml:"hash_slinger"` // classic, simple_list or critbit
	NukeLimit      int           `toml:"nuke_limit"`   // LRU eviction attempts per allocation
	PurgeTTL       time.Duration `toml:"purge_ttl"`
	PurgeGrace     time.Duration `toml:"purge_grace"`
	BanLurkerSleep time.Duration `toml:"ban_lurker_sleep"`
	ExpirySleep    time.Duration `toml:"expiry_sleep"` // poll interval when the heap is empty

	// Fetch.
	ConnectTimeout      time.Duration `toml:"connect_timeout"`
	FirstByteTimeout    time.Duration `toml:"first_byte_timeout"`
	BetweenBytesTimeout time.Duration `toml:"between_bytes_timeout"`
	FetchChunksize      int           `toml:"fetch_chunksize"`
	MaxBackendIdle      int           `toml:"max_backend_idle"` // pooled idle connections per backend
	ProbeInterval       time.Duration `toml:"probe_interval"`

	// HTTP behavior.
	HTTPGzipSupport bool `toml:"http_gzip_support"`
	GzipLevel       int  `toml:"gzip_level"`
	HTTPObsFold     bool `toml:"http_obs_fold"` // collapse obsolete header folding instead of rejecting
	HTTPRangeSupp   bool `toml:"http_range_support"`

	// ESI.
	MaxEsiIncludes int `toml:"max_esi_includes"`

	// Debug.
	HashAlwaysMiss bool `toml:"hash_always_miss"`
	FragFetch      int  `toml:"fragfetch"` // fragment fetch reads to this many bytes, 0 disables
}

// Defaults returns the parameter table the daemon starts from.
func Defaults() *Params {
	return &Params{
		ListenAddress:      ":8080",
		ListenDepth:        1024,
		AdminAddress:       "127.0.0.1:6082",
		SessTimeout:        5 * time.Second,
		SessionLinger:      50 * time.Millisecond,
		SendTimeout:        600 * time.Second,
		RecvTimeout:        120 * time.Second,
		MaxReqHeaderBytes:  32 * 1024,
		MaxRespHeaderBytes: 32 * 1024,

		SessWorkspace: 64 * 1024,
		WorkWorkspace: 64 * 1024,

		ThreadPools:       2,
		ThreadPoolMin:     5,
		ThreadPoolMax:     500,
		ThreadPoolTimeout: 120 * time.Second,
		ThreadPoolAddRate: 20,
		ThreadAddDelay:    2 * time.Millisecond,
		ThreadFailDelay:   200 * time.Millisecond,
		QueueMax:          100,
		WthreadStatsRate:  time.Second,

		DefaultTTL:     120 * time.Second,
		DefaultGrace:   10 * time.Second,
		Shortlived:     10 * time.Second,
		MaxRestarts:    4,
		RushExponent:   3,
		LRUInterval:    2 * time.Second,
		HashBuckets:    16383,
		HashSlinger:    "critbit",
		NukeLimit:      10,
		PurgeTTL:       0,
		PurgeGrace:     0,
		BanLurkerSleep: time.Second,
		ExpirySleep:    time.Second,

		ConnectTimeout:      400 * time.Millisecond,
		FirstByteTimeout:    60 * time.Second,
		BetweenBytesTimeout: 60 * time.Second,
		FetchChunksize:      128 * 1024,
		MaxBackendIdle:      8,
		ProbeInterval:       5 * time.Second,

		HTTPGzipSupport: true,
		GzipLevel:       6,
		HTTPObsFold:     true,
		HTTPRangeSupp:   true,

		MaxEsiIncludes: 5,
	}
}

// Validate rejects parameter combinations the cache cannot run with.
func (p *Params) Validate() error {
	if p.ThreadPools < 1 {
		return fmt.Errorf("thread_pools must be at least 1, have %d", p.ThreadPools)
	}
	if p.ThreadPoolMin < 1 || p.ThreadPoolMax < p.ThreadPoolMin {
		return fmt.Errorf("thread pool bounds invalid: min %d max %d", p.ThreadPoolMin, p.ThreadPoolMax)
	}
	if p.FetchChunksize < 1024 {
		return fmt.Errorf("fetch_chunksize below 1KB: %d", p.FetchChunksize)
	}
	if p.RushExponent < 1 {
		return fmt.Errorf("rush_exponent must be positive, have %d", p.RushExponent)
	}
	if p.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts negative: %d", p.MaxRestarts)
	}
	if p.GzipLevel < 1 || p.GzipLevel > 9 {
		return fmt.Errorf("gzip_level out of range: %d", p.GzipLevel)
	}
	switch p.HashSlinger {
	case "classic", "simple_list", "critbit":
	default:
		return fmt.Errorf("unknown hash slinger %q", p.HashSlinger)
	}
	return nil
}
