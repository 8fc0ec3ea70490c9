package federation

import "encoding/json"

func marshalStrings(ss []string) ([]byte, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return nil, wrapError(ErrSerialization, "failed to encode string slice", err)
	}
	return data, nil
}

func unmarshalStrings(data []byte) ([]string, error) {
	if data == nil {
		return []string{}, nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, wrapError(ErrSerialization, "failed to decode string slice", err)
	}
	return ss, nil
}
