package codegen

import "testing"

func TestArtifactKeyStable(t *testing.T) {
	hashes := map[string]string{"w": "aaa", "b": "bbb"}
	k1 := ArtifactKey("code", hashes)
	k2 := ArtifactKey("code", map[string]string{"b": "bbb", "w": "aaa"})
	if k1 != k2 {
		t.Error("key must be independent of map iteration order")
	}
}

func TestArtifactKeySensitive(t *testing.T) {
	hashes := map[string]string{"w": "aaa"}
	base := ArtifactKey("code", hashes)
	if ArtifactKey("code2", hashes) == base {
		t.Error("different code must change the key")
	}
	if ArtifactKey("code", map[string]string{"w": "bbb"}) == base {
		t.Error("different constant hash must change the key")
	}
	if ArtifactKey("code", nil) == base {
		t.Error("dropping constants must change the key")
	}
}
