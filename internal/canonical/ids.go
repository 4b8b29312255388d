// Package canonical provides deterministic ID generation and Edition forest
// resolution for the citation harvester.
//
// This is a direct descendant of the lineage service's canonicalization
// package: same deterministic-hashing approach, repurposed for two harvester
// concerns instead of OpenLineage job-run correlation.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// PageKey generates a deterministic key identifying one scraped page. The
// Page Buffer does not use it; it names files job_<id>_page_<n>.json.
//
// Formula: SHA256(jobID + editionID + partitionKey + pageNum)
//
// Returns a 64-character lowercase hex string (SHA256 output).
func PageKey(jobID, editionID, partitionKey string, pageNum int) string {
	input := jobID + editionID + partitionKey + strconv.Itoa(pageNum)

	return hashSHA256(input)
}

// IdempotencyKey generates a deterministic key for one partition query
// attempt: the same run, purpose and query always give the same key. The
// PartitionQuery records do not store it.
//
// Formula: SHA256(runID + purpose + query)
func IdempotencyKey(runID, purpose, query string) string {
	return hashSHA256(runID + purpose + query)
}

func hashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])
}
