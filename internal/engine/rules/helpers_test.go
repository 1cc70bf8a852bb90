package rules

import "qms-assistant/internal/models"

func riskInventoryRule() models.IntentRule {
	return models.IntentRule{
		ID:           1,
		Name:         "risk inventory",
		Category:     models.CategoryInventory,
		TriggerWords: []string{"inventory", "risk"},
		Synonyms:     map[string][]string{"inventory": {"stock", "库存"}},
		ParameterSpec: []models.ParameterSpec{
			{Name: "status", Type: models.ParamTypeString, ExtractionSource: "status"},
		},
		QueryTemplate: "SELECT material, qty FROM inventory WHERE status = ?",
		Priority:      5,
	}
}

func supplierDeliveryRule() models.IntentRule {
	return models.IntentRule{
		ID:           2,
		Name:         "supplier deliveries",
		Category:     models.CategoryProduction,
		TriggerWords: []string{"delivery"},
		ParameterSpec: []models.ParameterSpec{
			{Name: "supplier", Type: models.ParamTypeString, ExtractionSource: "supplier"},
			{Name: "from", Type: models.ParamTypeDate, ExtractionSource: models.SourceTimeRangeFrom, Optional: true},
		},
		QueryTemplate: "SELECT * FROM deliveries WHERE supplier = {{supplier}} AND delivered_at >= {{from}}",
	}
}
