package testutil

import (
	"testing"

	"github.com/dashstratum/poolcore/internal/work"
)

func TestSampleTemplateResponseBuildsTemplate(t *testing.T) {
	tmpl, err := work.FillFromNode("1", SampleTemplateResponse(), SampleCoinbaseConfig(), true)
	if err != nil {
		t.Fatalf("FillFromNode: %v", err)
	}
	if tmpl.Height != 800_000 {
		t.Errorf("height = %d, want 800000", tmpl.Height)
	}
}

func TestSampleTemplateResponseWithMasternodeBuildsTemplate(t *testing.T) {
	tmpl, err := work.FillFromNode("1", SampleTemplateResponseWithMasternode(), SampleCoinbaseConfig(), true)
	if err != nil {
		t.Fatalf("FillFromNode: %v", err)
	}
	if len(tmpl.Coinb1)+len(tmpl.Coinb2) == 0 {
		t.Error("expected a non-empty coinbase split")
	}
}
