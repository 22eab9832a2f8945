package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  N° FA2O24\t\tmontant 1l5,00  €\n": "N° FA2024 montant 115,00 €",
		"ｆａｃｔｕｒｅ １２":                         "facture 12",
		"Orange Oui":                         "Orange Oui",
		"total 3I":                           "total 31",
		"o7 l8":                              "07 l8",
		"":                                   "",
		" \t\n ":                             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1 234,56 €": "1234.56",
		"1234.56€":   "1234.56",
		"12,340.00":  "12340",
		"1.234,56":   "1234.56",
		"150,00":     "150",
		"12,340":     "12340",
		"1.500":      "1500",
		"99,9":       "99.9",
		"42":         "42",
	}
	for in, want := range cases {
		got, ok := ParseAmount(in)
		require.True(t, ok, in)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s: got %s want %s", in, got, want)
	}

	_, ok := ParseAmount("€")
	assert.False(t, ok)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	valid := map[string]string{
		"2024-03-14":           "2024-03-14",
		"14/03/2024":           "2024-03-14",
		"14.03.24":             "2024-03-14",
		"2024/3/4":             "2024-03-04",
		"2024-03-14T09:30:00Z": "2024-03-14",
	}
	for in, want := range valid {
		got, ok := ParseDate(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got.Format("2006-01-02"))
	}

	for _, in := range []string{"", "1999-12-31", "2100-01-01", "2024-02-30", "31/31/2024", "hier"} {
		_, ok := ParseDate(in)
		assert.False(t, ok, in)
	}
}

func TestExtractEndToEndInvoice(t *testing.T) {
	t.Parallel()

	raw := "# SOFIANE TRANSPORT SARL\n" +
		"12 Rue Victor Hugo\n" +
		"Facture N° FA2024001\n" +
		"Date: 14 mars 2024\n" +
		"Client: Garage Martin\n" +
		"Transport Paris Lyon\n" +
		"TOTAL TTC 150,00 €\n"

	res := Extract(raw)
	f := res.Fields
	assert.Equal(t, "SOFIANE TRANSPORT SARL", f.Vendor)
	assert.Equal(t, "FA2024001", f.InvoiceNumber)
	assert.Equal(t, "Garage Martin", f.ClientName)
	assert.Equal(t, "2024-03-14", f.Date)
	require.True(t, f.Amount.Valid)
	assert.True(t, f.Amount.Decimal.Equal(decimal.RequireFromString("150.00")))
	assert.False(t, f.VatAmount.Valid)
	assert.Equal(t, 100, res.Confidence)
}

func TestExtractContactRules(t *testing.T) {
	t.Parallel()

	raw := "ACME SERVICES SAS\n" +
		"IBAN : FR76 3000 6000 0112 3456 7890 189\n" +
		"contact@acme.fr Tél : 01 23 45 67 89\n" +
		"SIRET 73282932000074\n" +
		"8 Avenue PARIS 75008\n"

	res := Extract(raw)
	f := res.Fields
	assert.Equal(t, "FR76 3000 6000 0112 3456 7890 189", f.Iban)
	assert.Equal(t, "contact@acme.fr", f.Email)
	assert.Equal(t, "01 23 45 67 89", f.Phone)
	assert.Equal(t, "73282932000074", f.Siret)
	assert.Equal(t, "8 Avenue PARIS", f.Address)
	assert.Equal(t, "ACME SERVICES SAS", f.Vendor)
	// iban 10 + email 10 + phone 10 + siret 10 + address 5 + vendor 30
	assert.Equal(t, 75, res.Confidence)
}

func TestExtractShortIBANPattern(t *testing.T) {
	t.Parallel()

	res := Extract("Banque FR76 3000 6000 0112 3456 78")
	assert.Equal(t, "FR76 3000 6000 0112 3456 78", res.Fields.Iban)
	assert.Equal(t, "iban.grouped", res.Hits[0].Rule)
}

func TestExtractAmountPriority(t *testing.T) {
	t.Parallel()

	res := Extract("TOTAL TTC 120,00 €\nNET À PAYER 100,00 €\nTVA 20% 20,00 €")
	require.True(t, res.Fields.Amount.Valid)
	assert.True(t, res.Fields.Amount.Decimal.Equal(decimal.NewFromInt(120)))
	require.True(t, res.Fields.VatAmount.Valid)
	assert.True(t, res.Fields.VatAmount.Decimal.Equal(decimal.NewFromInt(20)))

	generic := Extract("Prestation 45,00 € Frais 5,50 €")
	require.True(t, generic.Fields.Amount.Valid)
	assert.True(t, generic.Fields.Amount.Decimal.Equal(decimal.NewFromInt(45)))
	assert.Contains(t, generic.Hits, Hit{Field: FieldAmount, Rule: "amount.euro", Points: 20})

	outOfRange := Extract("TOTAL TTC 2 000 000,00 €")
	assert.False(t, outOfRange.Fields.Amount.Valid)
}

func TestExtractVatMustBeBelowAmount(t *testing.T) {
	t.Parallel()

	res := Extract("TVA 20 % Total TVA 500,00 € TOTAL TTC 120,00 €")
	require.True(t, res.Fields.Amount.Valid)
	assert.False(t, res.Fields.VatAmount.Valid)

	noAmount := Extract("TVA 20,00")
	assert.False(t, noAmount.Fields.VatAmount.Valid)
}

func TestExtractDates(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Date de facture : 05/01/2024":    "2024-01-05",
		"Paris, le 1er févr. 2024":        "2024-02-01",
		"émise 3 DÉCEMBRE 2023":           "2023-12-03",
		"échéance 28/02/2025":             "2025-02-28",
		"generated 2024-07-09 10:00":      "2024-07-09",
		"Date : 31/02/2024 puis 1/3/2024": "2024-03-01",
	}
	for in, want := range cases {
		assert.Equal(t, want, Extract(in).Fields.Date, in)
	}
	assert.Empty(t, Extract("1999-05-05").Fields.Date)
}

func TestExtractVendorFallbacks(t *testing.T) {
	t.Parallel()

	line := Extract("FACTURE\nBoulangerie Dupont\n12,00 €")
	assert.Equal(t, "Boulangerie Dupont", line.Fields.Vendor)
	assert.Contains(t, line.Hits, Hit{Field: FieldVendor, Rule: ruleVendorLine, Points: 20})

	fallback := Extract("facture\n1234\n")
	assert.Equal(t, DefaultVendor, fallback.Fields.Vendor)
	assert.Equal(t, 5, fallback.Confidence)
}

func TestExtractClientRejectedWhenSameAsVendor(t *testing.T) {
	t.Parallel()

	res := Extract("DUPONT SARL\nClient : DUPONT SARL\n")
	assert.Equal(t, "DUPONT SARL", res.Fields.Vendor)
	assert.Empty(t, res.Fields.ClientName)
}

func TestExtractInvoiceNumberPatterns(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Total 12\nFacture n° : 2024ABCD": "2024ABCD",
		"Invoice # INV-2231":              "INV-2231",
		"Réf: CMD-99812":                  "CMD-99812",
		"Votre commande FA123456":         "FA123456",
		"N° de facture: F20240012":        "F20240012",
	}
	for in, want := range cases {
		assert.Equal(t, want, Extract(in).Fields.InvoiceNumber, in)
	}
}

func TestFillMissing(t *testing.T) {
	t.Parallel()

	text := "GARAGE DU CENTRE SARL Facture N° FA2024999 TOTAL TTC 240,00 € TVA 40,00 € contact@garage.fr"
	existing := Fields{Vendor: "Garage du Centre", Email: "old@garage.fr"}

	got := FillMissing(text, existing)
	assert.Empty(t, got.Vendor)
	assert.Empty(t, got.Email)
	assert.Equal(t, "FA2024999", got.InvoiceNumber)
	require.True(t, got.Amount.Valid)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(240)))
	require.True(t, got.VatAmount.Valid)
	assert.True(t, got.VatAmount.Decimal.Equal(decimal.NewFromInt(40)))

	none := FillMissing("", Fields{})
	assert.True(t, none.Empty())
}

func TestFillMissingChecksIdentifiers(t *testing.T) {
	t.Parallel()

	bad := FillMissing("ACME SARL IBAN FR7630006000011234567890188 SIRET 12345678901234 TOTAL TTC 100,00 €", Fields{Vendor: "ACME SARL"})
	assert.Empty(t, bad.Iban)
	assert.Empty(t, bad.Siret)
	require.True(t, bad.Amount.Valid)

	good := FillMissing("ACME SARL IBAN : FR76 3000 6000 0112 3456 7890 189\nSIRET 73282932000074", Fields{Vendor: "ACME SARL"})
	assert.Equal(t, "FR7630006000011234567890189", good.Iban)
	assert.Equal(t, "73282932000074", good.Siret)
}

func TestFillMissingVatBelowExistingAmount(t *testing.T) {
	t.Parallel()

	text := "GARAGE DU CENTRE SARL TOTAL TTC 240,00 € TVA 40,00 €"
	equal := FillMissing(text, Fields{Amount: decimal.NewNullDecimal(decimal.NewFromInt(40))})
	assert.False(t, equal.VatAmount.Valid)

	below := FillMissing(text, Fields{Amount: decimal.NewNullDecimal(decimal.NewFromInt(41))})
	require.True(t, below.VatAmount.Valid)
	assert.True(t, below.VatAmount.Decimal.Equal(decimal.NewFromInt(40)))
}
