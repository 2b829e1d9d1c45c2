package crypto

import "testing"

func TestS256ParamsBitSize(t *testing.T) {
	if S256().Params().BitSize != 256 {
		t.Errorf("BitSize = %d, want 256", S256().Params().BitSize)
	}
}

func TestS256IsOnCurveGeneratedKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !S256().IsOnCurve(key.PublicKey.X, key.PublicKey.Y) {
		t.Error("generated public key should be on the secp256k1 curve")
	}
}

func TestS256IsOnCurveRejectsGarbage(t *testing.T) {
	if S256().(*secp256k1Curve).IsOnCurve(nil, nil) {
		t.Error("IsOnCurve(nil, nil) should be false")
	}
}
