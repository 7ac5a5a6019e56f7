package simplefile

import "context"

const defaultOrphanBatchSize = 100

// CollectOrphans sweeps metadata rows that no alias references. In dry-run
// mode it only reports one batch of candidates. With Apply set it removes
// candidates batch by batch: each row is re-checked and deleted in its own
// transaction, together with its blob.
func (s *service) CollectOrphans(ctx context.Context, req CollectOrphansRequest) (*CollectOrphansResult, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultOrphanBatchSize
	}
	result := &CollectOrphansResult{DryRun: !req.Apply}

	if !req.Apply {
		candidates, err := s.repository.Metadata().ListUnreferenced(ctx, batchSize)
		if err != nil {
			return nil, err
		}
		result.Candidates = candidates
		result.CandidateCount = len(candidates)
		for _, meta := range candidates {
			result.ReclaimedBytes += meta.SizeBytes
		}
		return result, nil
	}

	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		candidates, err := s.repository.Metadata().ListUnreferenced(ctx, batchSize)
		if err != nil {
			return result, err
		}

		// Rows whose blob could not be deleted stay unreferenced and come
		// back in later batches.
		var fresh []FileMetadata
		for _, meta := range candidates {
			if !seen[meta.FileURI] {
				seen[meta.FileURI] = true
				fresh = append(fresh, meta)
			}
		}
		if len(fresh) == 0 {
			return result, nil
		}
		result.Candidates = append(result.Candidates, fresh...)
		result.CandidateCount += len(fresh)

		deleted := 0
		for _, meta := range fresh {
			removed, err := s.reclaim(ctx, meta.FileURI)
			if err != nil {
				s.logger.Warn("failed to collect orphan", "uri", meta.FileURI, "err", err)
				result.FailedCount++
				continue
			}
			if !removed {
				continue
			}
			deleted++
			result.DeletedCount++
			result.ReclaimedBytes += meta.SizeBytes
		}

		if deleted == 0 || len(candidates) < batchSize {
			return result, nil
		}
	}
}
