// Package bgpq4 wraps the bgpq4 command-line tool, generating a Juniper
// prefix-list policy stanza per AS number. Dispatch is an in-process
// worker pool bounded by config.BGPQ4Config.MaxWorkers and throttled by
// an internal/ratelimit.Bucket, with an RWMutex-guarded in-process TTL
// cache — a deliberate simplification of the original's
// ProcessPoolExecutor-plus-per-process-file-cache design, which existed
// there only to work around CPython's GIL and has no reason to exist in
// a natively concurrent Go binary.
package bgpq4

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/ratelimit"
)

// Result is the outcome of generating a policy for one AS number.
type Result struct {
	ASN          uint32
	PolicyName   string
	PolicyText   string
	Prefixes     []string
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Generator dispatches bgpq4 invocations and caches their results.
type Generator struct {
	cfg    config.BGPQ4Config
	bucket *ratelimit.Bucket
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[uint32]cacheEntry

	sem chan struct{}
}

// New builds a Generator. The worker pool is bounded by cfg.MaxWorkers;
// dispatch is additionally throttled by bucket, which callers share
// across every Generator so a single process never floods the IRR
// backend regardless of how many AS numbers it generates concurrently.
func New(cfg config.BGPQ4Config, bucket *ratelimit.Bucket, logger *zap.Logger) *Generator {
	workers := cfg.MaxWorkers
	if cfg.DisableParallel || workers < 1 {
		workers = 1
	}
	return &Generator{
		cfg:    cfg,
		bucket: bucket,
		logger: logger,
		cache:  map[uint32]cacheEntry{},
		sem:    make(chan struct{}, workers),
	}
}

var policyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validatePolicyName(name string) (string, error) {
	if name == "" || !policyNamePattern.MatchString(name) {
		return "", fmt.Errorf("bgpq4: invalid policy name %q", name)
	}
	return name, nil
}

// GenerateForAS generates a policy for a single AS number, serving the
// in-process cache when a non-expired entry exists.
func (g *Generator) GenerateForAS(ctx context.Context, asn uint32) Result {
	policyName := fmt.Sprintf("AS%d", asn)

	if cached, ok := g.cachedResult(asn); ok {
		return cached
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{ASN: asn, PolicyName: policyName, Success: false, ErrorMessage: ctx.Err().Error()}
	}
	defer func() { <-g.sem }()

	if g.bucket != nil {
		for !g.bucket.Consume(1) {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return Result{ASN: asn, PolicyName: policyName, Success: false, ErrorMessage: ctx.Err().Error()}
			}
		}
	}

	start := time.Now()
	result := g.run(ctx, asn, policyName)
	result.Duration = time.Since(start)

	if result.Success {
		g.putCache(asn, result)
	}
	return result
}

func (g *Generator) run(ctx context.Context, asn uint32, policyName string) Result {
	if _, err := validatePolicyName(policyName); err != nil {
		return Result{ASN: asn, PolicyName: policyName, Success: false, ErrorMessage: err.Error()}
	}

	binary := g.cfg.BinaryPath
	if binary == "" {
		binary = "bgpq4"
	}
	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -J: Juniper output format. -l: prefix-list name. No shell is
	// invoked; argv is built entirely from validated, non-attacker-
	// controlled values (the AS number is a uint32, the policy name is
	// regex-validated above).
	cmd := exec.CommandContext(runCtx, binary, "-Jl", policyName, fmt.Sprintf("AS%d", asn))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		g.logger.Warn("bgpq4: invocation failed", zap.Uint32("asn", asn), zap.Error(err), zap.String("stderr", stderr.String()))
		return Result{ASN: asn, PolicyName: policyName, Success: false,
			ErrorMessage: fmt.Sprintf("bgpq4 failed: %v: %s", err, strings.TrimSpace(stderr.String()))}
	}

	text := stdout.String()
	prefixes := extractPrefixes(text)
	return Result{ASN: asn, PolicyName: policyName, PolicyText: text, Prefixes: prefixes, Success: true}
}

var prefixLinePattern = regexp.MustCompile(`([0-9a-fA-F:.]+/[0-9]+);`)

// extractPrefixes scrapes prefix entries out of a Juniper prefix-list
// stanza emitted by "bgpq4 -Jl <name> AS<n>":
//
//	policy-options {
//	    prefix-list ASxxxx {
//	        1.1.1.0/24;
//	        1.0.0.0/24;
//	    }
//	}
func extractPrefixes(text string) []string {
	matches := prefixLinePattern.FindAllStringSubmatch(text, -1)
	prefixes := make([]string, 0, len(matches))
	for _, m := range matches {
		prefixes = append(prefixes, m[1])
	}
	return prefixes
}

func (g *Generator) cachedResult(asn uint32) (Result, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.cache[asn]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (g *Generator) putCache(asn uint32, result Result) {
	ttl := g.cfg.CacheTTL
	if ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[asn] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

// GenerateBatch dispatches every AS number concurrently (bounded by the
// generator's worker pool) and returns one Result per input, in input
// order.
func (g *Generator) GenerateBatch(ctx context.Context, asns []uint32) []Result {
	results := make([]Result, len(asns))
	var wg sync.WaitGroup
	for i, asn := range asns {
		i, asn := i, asn
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = g.GenerateForAS(ctx, asn)
		}()
	}
	wg.Wait()
	return results
}

// ToPolicyPrefix converts a successful Result into the guardrail's
// minimal policy shape.
func ToPolicyPrefix(r Result) guardrail.PolicyPrefix {
	return guardrail.PolicyPrefix{ASN: r.ASN, Prefixes: r.Prefixes}
}

// ParseASNumber validates a decimal AS number string (accepting an
// optional leading "AS"/"as"), per §9's numeric-range requirement
// (0–4294967295, 32-bit unsigned).
func ParseASNumber(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToUpper(s), "AS")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bgpq4: invalid AS number %q: %w", s, err)
	}
	return uint32(n), nil
}
