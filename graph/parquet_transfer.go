package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/climatedocs/core/store"
	"github.com/parquet-go/parquet-go"
)

// ImportResult mirrors ExtractResult for the Parquet-backed transfer path
// (§6 "Columnar graph artifacts are consumed as Parquet files").
type ImportResult struct {
	Status         string
	EntitiesCount  int
	RelCount       int
	ClaimsCount    int
	TextUnitsCount int
	Message        string
}

// parquetArtifact names the canonical file (and its create_final_-prefixed
// fallback) for one of the six columnar tables §6 lists.
type parquetArtifact struct {
	canonical string
	fallback  string
}

var parquetArtifacts = map[string]parquetArtifact{
	"entities":          {"entities.parquet", "create_final_entities.parquet"},
	"relationships":     {"relationships.parquet", "create_final_relationships.parquet"},
	"communities":       {"communities.parquet", "create_final_communities.parquet"},
	"community_reports": {"community_reports.parquet", "create_final_community_reports.parquet"},
	"covariates":        {"covariates.parquet", "create_final_covariates.parquet"},
	"text_units":        {"text_units.parquet", "create_final_text_units.parquet"},
}

// resolveArtifactPath returns the canonical file's path if present, else
// the fallback's path, else "" (§6 "Missing files degrade the
// corresponding section to empty but do not fail transfer").
func resolveArtifactPath(dir, key string) string {
	a, ok := parquetArtifacts[key]
	if !ok {
		return ""
	}
	if p := filepath.Join(dir, a.canonical); fileExists(p) {
		return p
	}
	if p := filepath.Join(dir, a.fallback); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// entityRow is the canonical GraphRAG-shaped entities.parquet schema.
type entityRow struct {
	Title       string  `parquet:"title,optional"`
	Type        string  `parquet:"type,optional"`
	Description string  `parquet:"description,optional"`
	Degree      int64   `parquet:"degree,optional"`
	Rank        float64 `parquet:"rank,optional"`
}

// relationshipRow is the canonical relationships.parquet schema; entities
// are referenced by title, not surrogate key, since Parquet exports are
// produced outside this store's ID space.
type relationshipRow struct {
	Source      string  `parquet:"source,optional"`
	Target      string  `parquet:"target,optional"`
	Description string  `parquet:"description,optional"`
	Weight      float64 `parquet:"weight,optional"`
	Rank        float64 `parquet:"rank,optional"`
}

// communityRow covers both communities.parquet (bare member lists) and
// community_reports.parquet (titles/summaries/ratings); fields absent in
// one file simply read as zero values in the other.
type communityRow struct {
	Community   int64    `parquet:"community,optional"`
	Level       int64    `parquet:"level,optional"`
	Title       string   `parquet:"title,optional"`
	Summary     string   `parquet:"summary,optional"`
	Rating      float64  `parquet:"rating,optional"`
	EntityIDs   []string `parquet:"entity_ids,optional,list"`
	EntityIDsJS string   `parquet:"entity_ids_json,optional"`
}

type covariateRow struct {
	SubjectID     string `parquet:"subject_id,optional"`
	SubjectType   string `parquet:"subject_type,optional"`
	CovariateType string `parquet:"type,optional"`
	TextUnitID    string `parquet:"text_unit_id,optional"`
	Description   string `parquet:"description,optional"`
}

type textUnitRow struct {
	Text            string   `parquet:"text,optional"`
	NTokens         int64    `parquet:"n_tokens,optional"`
	EntityIDs       []string `parquet:"entity_ids,optional,list"`
	RelationshipIDs []string `parquet:"relationship_ids,optional,list"`
}

// ImportParquet commits a pre-computed columnar graph artifact set (§6)
// into the Graph Store under docID, as an alternative to the LLM-driven
// Extractor.Extract path when a GraphRAG-shaped export already exists on
// disk. Each of the six canonical files is independent: a missing one
// degrades that section to empty, a malformed row is dropped with a
// warning (§7 DataError), and the overall status folds to
// "partial_success" if any sub-artifact failed to commit in full.
func ImportParquet(ctx context.Context, s *store.Store, docID int64, dir string) ImportResult {
	var transferFailed bool

	entityIDByTitle, entCount, err := importEntities(ctx, s, docID, dir)
	if err != nil {
		transferFailed = true
	}

	relCount, err := importRelationships(ctx, s, docID, dir, entityIDByTitle)
	if err != nil {
		transferFailed = true
	}

	claimsCount, err := importCovariates(ctx, s, docID, dir)
	if err != nil {
		transferFailed = true
	}

	textUnitsCount, err := importTextUnits(ctx, s, docID, dir)
	if err != nil {
		transferFailed = true
	}

	if err := importCommunities(ctx, s, docID, dir); err != nil {
		transferFailed = true
	}

	if entCount == 0 && relCount == 0 && claimsCount == 0 && textUnitsCount == 0 {
		return ImportResult{Status: "skipped", Message: "no parquet artifacts found in " + dir}
	}

	status := "success"
	if transferFailed {
		status = "partial_success"
	}
	return ImportResult{
		Status:         status,
		EntitiesCount:  entCount,
		RelCount:       relCount,
		ClaimsCount:    claimsCount,
		TextUnitsCount: textUnitsCount,
	}
}

func importEntities(ctx context.Context, s *store.Store, docID int64, dir string) (map[string]int64, int, error) {
	path := resolveArtifactPath(dir, "entities")
	if path == "" {
		return nil, 0, nil
	}
	rows, err := parquet.ReadFile[entityRow](path)
	if err != nil {
		slog.Warn("graph: reading entities.parquet failed", "doc_id", docID, "error", err)
		return nil, 0, err
	}

	byTitle := make(map[string]int64, len(rows))
	count := 0
	var readErr error
	for _, r := range rows {
		if r.Title == "" {
			// §7 DataError: malformed row, drop and continue.
			slog.Warn("graph: entity row missing title, dropping", "doc_id", docID)
			readErr = fmt.Errorf("entities.parquet: row missing title")
			continue
		}
		eType := r.Type
		if eType == "" {
			eType = EntityConcept
		}
		id, err := s.UpsertEntity(ctx, store.Entity{
			Name:        r.Title,
			EntityType:  eType,
			Description: r.Description,
			DocumentID:  docID,
			Degree:      int(r.Degree),
			Rank:        r.Rank,
		})
		if err != nil {
			slog.Warn("graph: entity upsert failed, dropping row", "doc_id", docID, "entity", r.Title, "error", err)
			readErr = err
			continue
		}
		byTitle[r.Title] = id
		count++
	}
	return byTitle, count, readErr
}

func importRelationships(ctx context.Context, s *store.Store, docID int64, dir string, byTitle map[string]int64) (int, error) {
	path := resolveArtifactPath(dir, "relationships")
	if path == "" {
		return 0, nil
	}
	rows, err := parquet.ReadFile[relationshipRow](path)
	if err != nil {
		slog.Warn("graph: reading relationships.parquet failed", "doc_id", docID, "error", err)
		return 0, err
	}

	count := 0
	var readErr error
	for _, r := range rows {
		srcID, okSrc := byTitle[r.Source]
		tgtID, okTgt := byTitle[r.Target]
		if !okSrc || !okTgt {
			// §7 DataError: reference to an entity outside this file's set.
			slog.Warn("graph: relationship references unresolved entity, dropping",
				"doc_id", docID, "source", r.Source, "target", r.Target)
			readErr = fmt.Errorf("relationships.parquet: unresolved entity reference")
			continue
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}
		if _, err := s.InsertRelationship(ctx, store.Relationship{
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			RelationType:   "related",
			Weight:         weight,
			Strength:       weight,
			Rank:           r.Rank,
			Description:    r.Description,
			DocumentID:     docID,
		}); err != nil {
			slog.Warn("graph: relationship insert failed, dropping row", "doc_id", docID, "error", err)
			readErr = err
			continue
		}
		count++
	}
	return count, readErr
}

// importCommunities handles both communities.parquet and
// community_reports.parquet, merging on community key when both are
// present, and normalizes entity_ids per the list-or-JSON-string rule
// (§8 "Community member resolution").
func importCommunities(ctx context.Context, s *store.Store, docID int64, dir string) error {
	members := make(map[int64][]string)
	reports := make(map[int64]communityRow)

	if path := resolveArtifactPath(dir, "communities"); path != "" {
		rows, err := parquet.ReadFile[communityRow](path)
		if err != nil {
			slog.Warn("graph: reading communities.parquet failed", "doc_id", docID, "error", err)
			return err
		}
		for _, r := range rows {
			members[r.Community] = normalizeEntityIDs(r)
			reports[r.Community] = r
		}
	}
	if path := resolveArtifactPath(dir, "community_reports"); path != "" {
		rows, err := parquet.ReadFile[communityRow](path)
		if err != nil {
			slog.Warn("graph: reading community_reports.parquet failed", "doc_id", docID, "error", err)
			return err
		}
		for _, r := range rows {
			reports[r.Community] = r
			if _, ok := members[r.Community]; !ok {
				members[r.Community] = normalizeEntityIDs(r)
			}
		}
	}

	var lastErr error
	for key, rep := range reports {
		memberIDs := members[key]
		idsJSON, _ := json.Marshal(memberIDs)
		if _, err := s.InsertCommunityFull(ctx, store.CommunityFull{
			DocumentID:   docID,
			CommunityKey: int(key),
			Title:        rep.Title,
			Summary:      rep.Summary,
			MemberIDs:    string(idsJSON),
			MemberCount:  len(memberIDs),
			Rating:       rep.Rating,
			Level:        int(rep.Level),
		}); err != nil {
			slog.Warn("graph: community insert failed", "doc_id", docID, "community", key, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// normalizeEntityIDs dispatches on which of the two possible on-disk
// shapes a community row actually used (native repeated column vs. a
// JSON-encoded string fallback) and always returns a plain string slice.
func normalizeEntityIDs(r communityRow) []string {
	if len(r.EntityIDs) > 0 {
		return r.EntityIDs
	}
	if r.EntityIDsJS != "" {
		var ids []string
		if err := json.Unmarshal([]byte(r.EntityIDsJS), &ids); err == nil {
			return ids
		}
	}
	return nil
}

func importCovariates(ctx context.Context, s *store.Store, docID int64, dir string) (int, error) {
	path := resolveArtifactPath(dir, "covariates")
	if path == "" {
		return 0, nil
	}
	rows, err := parquet.ReadFile[covariateRow](path)
	if err != nil {
		slog.Warn("graph: reading covariates.parquet failed", "doc_id", docID, "error", err)
		return 0, err
	}

	claimsCount := 0
	var readErr error
	for _, r := range rows {
		if r.SubjectID == "" {
			readErr = fmt.Errorf("covariates.parquet: row missing subject_id")
			continue
		}
		attrs, _ := json.Marshal(map[string]string{"description": r.Description})
		var tuID int64
		_, _ = fmt.Sscanf(r.TextUnitID, "%d", &tuID)
		if _, err := s.InsertCovariate(ctx, store.Covariate{
			DocumentID:    docID,
			SubjectID:     r.SubjectID,
			SubjectType:   r.SubjectType,
			CovariateType: r.CovariateType,
			TextUnitID:    tuID,
			Attributes:    string(attrs),
		}); err != nil {
			slog.Warn("graph: covariate insert failed, dropping row", "doc_id", docID, "error", err)
			readErr = err
			continue
		}
		// §4.4 "Claims extracted ... by filtering covariates whose
		// covariate_type contains 'claim'".
		if strings.Contains(strings.ToLower(r.CovariateType), "claim") {
			claimsCount++
		}
	}
	return claimsCount, readErr
}

func importTextUnits(ctx context.Context, s *store.Store, docID int64, dir string) (int, error) {
	path := resolveArtifactPath(dir, "text_units")
	if path == "" {
		return 0, nil
	}
	rows, err := parquet.ReadFile[textUnitRow](path)
	if err != nil {
		slog.Warn("graph: reading text_units.parquet failed", "doc_id", docID, "error", err)
		return 0, err
	}

	count := 0
	var readErr error
	for _, r := range rows {
		if r.Text == "" {
			continue
		}
		entJSON, _ := json.Marshal(r.EntityIDs)
		relJSON, _ := json.Marshal(r.RelationshipIDs)
		if _, err := s.InsertTextUnit(ctx, store.TextUnit{
			DocumentID:      docID,
			Text:            r.Text,
			TokenCount:      int(r.NTokens),
			EntityIDs:       string(entJSON),
			RelationshipIDs: string(relJSON),
		}, nil); err != nil {
			// §6 "entity_ids and relationship_ids must survive as JSON
			// strings; if missing, local graph search degrades
			// (non-fatal)" — a failed insert here is still non-fatal to
			// the overall transfer.
			slog.Warn("graph: text unit insert failed, dropping row", "doc_id", docID, "error", err)
			readErr = err
			continue
		}
		count++
	}
	return count, readErr
}
