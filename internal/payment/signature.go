package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// paymentRequestKeys is the signed field list for outbound payment requests,
// already in alphabetical order. It is fixed so that the signature never
// depends on how the caller assembled the request.
var paymentRequestKeys = [...]string{"amount", "cancelUrl", "description", "orderCode", "returnUrl"}

// SignPaymentRequest computes the checksum the provider expects on a payment
// request: HMAC-SHA256 over "amount=..&cancelUrl=..&description=..&orderCode=..&returnUrl=..",
// hex encoded.
func SignPaymentRequest(req PaymentRequest, checksumKey string) string {
	values := map[string]string{
		"amount":      strconv.FormatInt(req.Amount, 10),
		"cancelUrl":   req.CancelURL,
		"description": req.Description,
		"orderCode":   strconv.FormatInt(req.OrderCode, 10),
		"returnUrl":   req.ReturnURL,
	}
	pairs := make([]string, 0, len(paymentRequestKeys))
	for _, key := range paymentRequestKeys {
		pairs = append(pairs, key+"="+values[key])
	}
	return hmacHex(checksumKey, strings.Join(pairs, "&"))
}

// SignWebhookData computes the checksum of a webhook data object. Unlike
// SignPaymentRequest every key present is signed, sorted lexicographically, so
// fields the provider adds later are still covered.
func SignWebhookData(data map[string]any, checksumKey string) (string, error) {
	canonical, err := canonicalData(data)
	if err != nil {
		return "", err
	}
	return hmacHex(checksumKey, canonical), nil
}

func canonicalData(data map[string]any) (string, error) {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value, err := signatureValue(data[key])
		if err != nil {
			return "", fmt.Errorf("field %q: %w", key, err)
		}
		pairs = append(pairs, key+"="+value)
	}
	return strings.Join(pairs, "&"), nil
}

// signatureValue renders one data value. nil becomes "", numbers never use
// exponent notation, nested values are compact JSON.
func signatureValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		if t == "null" || t == "undefined" {
			return "", nil
		}
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func hmacHex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
