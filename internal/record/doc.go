// Package record provides the dynamic row model shared by every formsync
// component.
//
// Form submissions, table rows and change-feed images are all represented as
// a *Record: an insertion-ordered map from field name to a sealed Value.
// Only Null, String, Int, Float, Bool, Date, Array and *Record implement
// Value, so a type switch over a Value is always exhaustive.
//
// Conversions to and from plain Go values (FromAny, ToAny) happen only at
// system boundaries: JSON payloads, SQL drivers and CUE configuration.
// Everything in between works on typed values.
//
// Key design constraints:
//   - Key order is preserved through JSON round-trips
//   - Integers decode as Int, decimals as Float
//   - Canonical JSON (RFC 8785 key order, NFC strings) is used only for
//     hashing, never for storage
package record
