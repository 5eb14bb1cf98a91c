package kms

import "encoding/json"

func marshalEnvironment(environment map[string]string) ([]byte, error) {
	return json.Marshal(environment)
}

// unmarshalEnvironment decodes a JSON environment object. The trailing
// space padding added by aesPad is valid JSON whitespace and is
// ignored by json.Unmarshal without further trimming.
func unmarshalEnvironment(data []byte) (map[string]string, error) {
	var environment map[string]string
	if err := json.Unmarshal(data, &environment); err != nil {
		return nil, err
	}
	return environment, nil
}
