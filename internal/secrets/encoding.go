package secrets

import (
	"encoding/json"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

func encodeSecretEntry(e model.SecretEntry) []byte {
	b, _ := json.Marshal(e)
	return b
}

func decodeSecretEntry(raw []byte) (model.SecretEntry, error) {
	var e model.SecretEntry
	err := json.Unmarshal(raw, &e)
	return e, err
}
