package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"portal-billing/internal/models"
)

// Metadata keys written onto checkout sessions
const (
	MetaUserID             = "user_id"
	MetaProductID          = "product_id"
	MetaItemCount          = "item_count"
	MetaPendingOrderID     = "pending_order_id"
	MetaPendingOrderItemID = "pending_order_item_id"
	MetaCheckoutSessionID  = "checkout_session_id"
	MetaManifest           = "cart_manifest"
	MetaManifestChunks     = "cart_manifest_chunks"
)

// Provider metadata limits
const (
	maxMetadataKeys  = 50
	maxMetadataValue = 500
	manifestVersion  = 1
)

// Manifest is the typed record of a cart carried on session metadata. It is
// the only source for reconstructing a setup-mode checkout.
type Manifest struct {
	Version int            `json:"v"`
	Items   []ManifestItem `json:"items"`
}

// ManifestItem is one cart line
type ManifestItem struct {
	ProductID string                  `json:"p"`
	Quantity  int                     `json:"q"`
	Details   *models.CustomerDetails `json:"d,omitempty"`
}

// NewManifest builds a manifest from cart items
func NewManifest(items []CartItem) *Manifest {
	m := &Manifest{Version: manifestVersion}
	for _, it := range items {
		mi := ManifestItem{ProductID: it.ProductID, Quantity: it.Quantity}
		if !it.CustomerDetails.IsEmpty() {
			d := *it.CustomerDetails
			mi.Details = &d
		}
		m.Items = append(m.Items, mi)
	}
	return m
}

// DetailsFor returns the captured details for productID, if any
func (m *Manifest) DetailsFor(productID string) *models.CustomerDetails {
	for _, it := range m.Items {
		if it.ProductID == productID {
			return it.Details
		}
	}
	return nil
}

func (m *Manifest) validate() error {
	if m.Version != manifestVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}
	if len(m.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidManifest)
	}
	for i, it := range m.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product", ErrInvalidManifest, i)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %d has quantity %d", ErrInvalidManifest, i, it.Quantity)
		}
	}
	return nil
}

// Encode writes the manifest into meta. The JSON form is split across
// numbered keys when it exceeds the per-value limit. Positional
// item_<i>_* keys are added while the metadata key limit allows.
func (m *Manifest) Encode(meta map[string]string) error {
	if err := m.validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	meta[MetaItemCount] = strconv.Itoa(len(m.Items))

	chunks := splitRunes(string(raw), maxMetadataValue)
	if len(chunks) == 1 {
		meta[MetaManifest] = chunks[0]
	} else {
		if len(meta)+len(chunks)+1 > maxMetadataKeys {
			return validationErrorf("cart is too large for checkout")
		}
		meta[MetaManifestChunks] = strconv.Itoa(len(chunks))
		for i, c := range chunks {
			meta[fmt.Sprintf("%s_%d", MetaManifest, i)] = c
		}
	}

	if len(meta)+2*len(m.Items) > maxMetadataKeys {
		return nil
	}
	for i, it := range m.Items {
		meta[fmt.Sprintf("item_%d_product_id", i)] = it.ProductID
		meta[fmt.Sprintf("item_%d_quantity", i)] = strconv.Itoa(it.Quantity)
	}
	for i, it := range m.Items {
		fields := positionalDetails(it.Details)
		if len(meta)+len(fields) > maxMetadataKeys {
			break
		}
		for k, v := range fields {
			meta[fmt.Sprintf("item_%d_%s", i, k)] = truncate(v, maxMetadataValue)
		}
	}
	return nil
}

// DecodeManifest reads the manifest from session metadata, falling back to
// positional keys for sessions that carry no manifest.
func DecodeManifest(meta map[string]string) (*Manifest, error) {
	raw, ok := meta[MetaManifest]
	if !ok {
		if n, err := strconv.Atoi(meta[MetaManifestChunks]); err == nil && n > 0 {
			var sb strings.Builder
			for i := 0; i < n; i++ {
				part, ok := meta[fmt.Sprintf("%s_%d", MetaManifest, i)]
				if !ok {
					return nil, fmt.Errorf("%w: missing chunk %d", ErrInvalidManifest, i)
				}
				sb.WriteString(part)
			}
			raw, ok = sb.String(), true
		}
	}

	if !ok {
		return decodePositional(meta)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodePositional(meta map[string]string) (*Manifest, error) {
	count, err := strconv.Atoi(meta[MetaItemCount])
	if err != nil || count < 1 {
		if pid := meta[MetaProductID]; pid != "" {
			return &Manifest{Version: manifestVersion, Items: []ManifestItem{{ProductID: pid, Quantity: 1}}}, nil
		}
		return nil, fmt.Errorf("%w: no item count", ErrInvalidManifest)
	}

	m := &Manifest{Version: manifestVersion}
	for i := 0; i < count; i++ {
		qty := 1
		if q, err := strconv.Atoi(meta[fmt.Sprintf("item_%d_quantity", i)]); err == nil {
			qty = q
		}
		item := ManifestItem{
			ProductID: meta[fmt.Sprintf("item_%d_product_id", i)],
			Quantity:  qty,
		}
		d := detailsFromPositional(meta, i)
		if !d.IsEmpty() {
			item.Details = d
		}
		m.Items = append(m.Items, item)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func positionalDetails(d *models.CustomerDetails) map[string]string {
	out := map[string]string{}
	if d.IsEmpty() {
		return out
	}
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("name", d.Name)
	add("email", d.Email)
	add("phone", d.Phone)
	add("address_line1", d.AddressLine1)
	add("address_line2", d.AddressLine2)
	add("city", d.City)
	add("state", d.State)
	add("postal_code", d.PostalCode)
	add("country", d.Country)
	add("notes", d.Notes)
	return out
}

func detailsFromPositional(meta map[string]string, i int) *models.CustomerDetails {
	get := func(k string) string { return meta[fmt.Sprintf("item_%d_%s", i, k)] }
	return &models.CustomerDetails{
		Name:         get("name"),
		Email:        get("email"),
		Phone:        get("phone"),
		AddressLine1: get("address_line1"),
		AddressLine2: get("address_line2"),
		City:         get("city"),
		State:        get("state"),
		PostalCode:   get("postal_code"),
		Country:      get("country"),
		Notes:        get("notes"),
	}
}

func splitRunes(s string, size int) []string {
	r := []rune(s)
	if len(r) <= size {
		return []string{s}
	}
	var out []string
	for len(r) > 0 {
		n := size
		if len(r) < n {
			n = len(r)
		}
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
