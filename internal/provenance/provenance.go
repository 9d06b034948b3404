// Package provenance derives evidence links from a change event: the
// explicit and metadata-carried URLs that justify a correlation or
// blast-radius finding. Pure functions, no I/O.
package provenance

import (
	"fmt"
	"strings"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

// metadataURLKey pairs a metadata key with the EvidenceLinkType it should
// be classified as. Order is significant: it is the tie-break order used
// both here and by inferEventCanonicalUrl.
type metadataURLKey struct {
	key          string
	defaultType  models.EvidenceLinkType
	terraformAs  models.EvidenceLinkType // used instead of defaultType when source == terraform
}

var metadataURLKeys = []metadataURLKey{
	{key: "run_url", defaultType: models.EvidenceTypeDeploymentRun, terraformAs: models.EvidenceTypeTerraformRun},
	{key: "pipeline_url", defaultType: models.EvidenceTypePipelineRun},
	{key: "deployment_url", defaultType: models.EvidenceTypeDeploymentRun},
	{key: "workflow_url", defaultType: models.EvidenceTypeDeploymentRun},
	{key: "mr_url", defaultType: models.EvidenceTypePullRequest},
	{key: "pr_url", defaultType: models.EvidenceTypePullRequest},
	{key: "compare_url", defaultType: models.EvidenceTypeOther},
}

// ExtractEventEvidence builds the ordered, deduplicated evidence link list
// for a single event.
func ExtractEventEvidence(event models.ChangeEvent) []models.EvidenceLink {
	var links []models.EvidenceLink
	seen := map[string]bool{}

	add := func(l models.EvidenceLink) {
		key := string(l.Type) + "|" + l.URL + "|" + l.Label
		if seen[key] {
			return
		}
		seen[key] = true
		links = append(links, l)
	}

	add(models.EvidenceLink{
		Type:  models.EvidenceTypeEvent,
		URL:   "event://" + event.ID,
		Label: "Change event " + event.ID,
	})

	if event.PRUrl != "" {
		add(models.EvidenceLink{
			Type:  models.EvidenceTypePullRequest,
			URL:   event.PRUrl,
			Label: "Pull request",
		})
	}

	if event.CommitSHA != "" {
		if url := synthesizeCommitURL(event); url != "" {
			add(models.EvidenceLink{
				Type:  models.EvidenceTypeCommit,
				URL:   url,
				Label: "Commit " + shortSHA(event.CommitSHA),
			})
		}
	}

	if event.CanonicalURL != "" {
		add(models.EvidenceLink{
			Type:  models.EvidenceTypeOther,
			URL:   event.CanonicalURL,
			Label: "Canonical reference",
		})
	}

	for _, mk := range metadataURLKeys {
		url, ok := event.Metadata[mk.key]
		if !ok || url == "" {
			continue
		}
		linkType := mk.defaultType
		if mk.terraformAs != "" && event.Source == models.SourceTerraform {
			linkType = mk.terraformAs
		}
		add(models.EvidenceLink{
			Type:  linkType,
			URL:   url,
			Label: labelFor(mk.key),
		})
	}

	return links
}

func labelFor(metadataKey string) string {
	switch metadataKey {
	case "run_url":
		return "Run"
	case "pipeline_url":
		return "Pipeline run"
	case "deployment_url":
		return "Deployment run"
	case "workflow_url":
		return "Workflow run"
	case "mr_url":
		return "Merge request"
	case "pr_url":
		return "Pull request"
	case "compare_url":
		return "Comparison"
	default:
		return metadataKey
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// synthesizeCommitURL builds a commit URL from event.Repository, which may
// be a full URL or an "org/repo" shorthand.
func synthesizeCommitURL(event models.ChangeEvent) string {
	base := repoBaseURL(event.Repository)
	if base == "" {
		return ""
	}
	if event.Source == models.SourceGitLab {
		return fmt.Sprintf("%s/-/commit/%s", base, event.CommitSHA)
	}
	return fmt.Sprintf("%s/commit/%s", base, event.CommitSHA)
}

func repoBaseURL(repository string) string {
	if repository == "" {
		return ""
	}
	if strings.HasPrefix(repository, "http://") || strings.HasPrefix(repository, "https://") {
		return strings.TrimSuffix(repository, "/")
	}
	return "https://github.com/" + strings.TrimSuffix(repository, "/")
}

// InferEventCanonicalUrl picks the single best URL describing event: the
// first-available of canonicalUrl, prUrl, a synthesized commit URL, or the
// first metadata URL in metadataURLKeys order.
func InferEventCanonicalUrl(event models.ChangeEvent) string {
	if event.CanonicalURL != "" {
		return event.CanonicalURL
	}
	if event.PRUrl != "" {
		return event.PRUrl
	}
	if event.CommitSHA != "" {
		if url := synthesizeCommitURL(event); url != "" {
			return url
		}
	}
	for _, mk := range metadataURLKeys {
		if url, ok := event.Metadata[mk.key]; ok && url != "" {
			return url
		}
	}
	return ""
}
