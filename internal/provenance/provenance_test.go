package provenance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

func TestExtractEventEvidenceAlwaysIncludesEventLink(t *testing.T) {
	event := models.ChangeEvent{ID: "evt-1"}
	links := ExtractEventEvidence(event)
	assert.Len(t, links, 1)
	assert.Equal(t, models.EvidenceTypeEvent, links[0].Type)
	assert.Equal(t, "event://evt-1", links[0].URL)
}

func TestExtractEventEvidenceDedupes(t *testing.T) {
	event := models.ChangeEvent{
		ID:         "evt-1",
		PRUrl:      "https://github.com/acme/widget/pull/5",
		CanonicalURL: "https://github.com/acme/widget/pull/5",
		Metadata: map[string]string{
			"pr_url": "https://github.com/acme/widget/pull/5",
		},
	}
	links := ExtractEventEvidence(event)

	count := 0
	for _, l := range links {
		if l.URL == "https://github.com/acme/widget/pull/5" {
			count++
		}
	}
	assert.Equal(t, 2, count, "prUrl and metadata pr_url share type+url+label and collapse to one link; the canonicalUrl link differs in type and label and stays")
}

func TestExtractEventEvidenceCommitURLGitHub(t *testing.T) {
	event := models.ChangeEvent{
		ID:         "evt-1",
		CommitSHA:  "abcdef1234567890",
		Repository: "acme/widget",
		Source:     models.SourceGitHub,
	}
	links := ExtractEventEvidence(event)

	var commitLink *models.EvidenceLink
	for i := range links {
		if links[i].Type == models.EvidenceTypeCommit {
			commitLink = &links[i]
		}
	}
	if assert.NotNil(t, commitLink) {
		assert.Equal(t, "https://github.com/acme/widget/commit/abcdef1234567890", commitLink.URL)
		assert.Equal(t, "Commit abcdef1", commitLink.Label)
	}
}

func TestExtractEventEvidenceCommitURLGitLabUsesDashCommit(t *testing.T) {
	event := models.ChangeEvent{
		ID:         "evt-1",
		CommitSHA:  "abcdef1",
		Repository: "https://gitlab.com/acme/widget",
		Source:     models.SourceGitLab,
	}
	links := ExtractEventEvidence(event)

	var commitLink *models.EvidenceLink
	for i := range links {
		if links[i].Type == models.EvidenceTypeCommit {
			commitLink = &links[i]
		}
	}
	if assert.NotNil(t, commitLink) {
		assert.Equal(t, "https://gitlab.com/acme/widget/-/commit/abcdef1", commitLink.URL)
	}
}

func TestExtractEventEvidenceTerraformRunURLReclassified(t *testing.T) {
	event := models.ChangeEvent{
		ID:     "evt-1",
		Source: models.SourceTerraform,
		Metadata: map[string]string{
			"run_url": "https://app.terraform.io/runs/run-123",
		},
	}
	links := ExtractEventEvidence(event)

	var runLink *models.EvidenceLink
	for i := range links {
		if links[i].URL == "https://app.terraform.io/runs/run-123" {
			runLink = &links[i]
		}
	}
	if assert.NotNil(t, runLink) {
		assert.Equal(t, models.EvidenceTypeTerraformRun, runLink.Type)
	}
}

func TestExtractEventEvidenceRunURLDefaultsToDeploymentRun(t *testing.T) {
	event := models.ChangeEvent{
		ID:     "evt-1",
		Source: models.SourceGitHub,
		Metadata: map[string]string{
			"run_url": "https://github.com/acme/widget/actions/runs/1",
		},
	}
	links := ExtractEventEvidence(event)

	var runLink *models.EvidenceLink
	for i := range links {
		if links[i].URL == "https://github.com/acme/widget/actions/runs/1" {
			runLink = &links[i]
		}
	}
	if assert.NotNil(t, runLink) {
		assert.Equal(t, models.EvidenceTypeDeploymentRun, runLink.Type)
	}
}

func TestInferEventCanonicalUrlPriority(t *testing.T) {
	full := models.ChangeEvent{
		CanonicalURL: "https://canonical.example/1",
		PRUrl:        "https://pr.example/1",
		CommitSHA:    "abc1234",
		Repository:   "acme/widget",
		Metadata:     map[string]string{"run_url": "https://run.example/1"},
	}
	assert.Equal(t, "https://canonical.example/1", InferEventCanonicalUrl(full))

	noCanonical := full
	noCanonical.CanonicalURL = ""
	assert.Equal(t, "https://pr.example/1", InferEventCanonicalUrl(noCanonical))

	noPR := noCanonical
	noPR.PRUrl = ""
	assert.Equal(t, "https://github.com/acme/widget/commit/abc1234", InferEventCanonicalUrl(noPR))

	noCommit := noPR
	noCommit.CommitSHA = ""
	assert.Equal(t, "https://run.example/1", InferEventCanonicalUrl(noCommit))
}

func TestInferEventCanonicalUrlEmptyWhenNothingAvailable(t *testing.T) {
	assert.Equal(t, "", InferEventCanonicalUrl(models.ChangeEvent{}))
}
