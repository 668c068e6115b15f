package catalog

import "github.com/shopspring/decimal"

type Meal struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	ImageRef    string          `json:"image"`
}

const imageBase = "https://github.com/Mokereri/webpage/blob/main/Assets/images/"

// Seed returns a fresh copy of the kitchen menu with its opening stock.
// Callers own the returned slice.
func Seed() []Meal {
	return []Meal{
		{ID: 1, Name: "Chapati Beans", Description: "Served with steamed vegetables", UnitPrice: decimal.NewFromInt(90), Stock: 50, ImageRef: imageBase + "Chapati_beans.jpeg?raw=true"},
		{ID: 2, Name: "Cup of Tea", Description: "Milk tea with sugar", UnitPrice: decimal.NewFromInt(20), Stock: 100, ImageRef: imageBase + "cup%20of%20chai.jpeg?raw=true"},
		{ID: 3, Name: "Ugali Omena", Description: "Served with fresh vegetables", UnitPrice: decimal.NewFromInt(100), Stock: 40, ImageRef: imageBase + "ugali-omena.jpeg?raw=true"},
		{ID: 4, Name: "Rice Beans", Description: "Steamed rice with seasoned beans", UnitPrice: decimal.NewFromInt(100), Stock: 60, ImageRef: imageBase + "rice_beans.jpeg?raw=true"},
		{ID: 5, Name: "Rice Beef", Description: "Spiced rice served with beef stew", UnitPrice: decimal.NewFromInt(170), Stock: 30, ImageRef: imageBase + "rice_beef.jpeg?raw=true"},
		{ID: 6, Name: "Ugali Matumbo", Description: "Tender beef tripe served with ugali", UnitPrice: decimal.NewFromInt(140), Stock: 35, ImageRef: imageBase + "ugali_matumbo.jpeg?raw=true"},
		{ID: 7, Name: "Chicken Masala", Description: "Deliciously spiced chicken in a creamy masala sauce", UnitPrice: decimal.NewFromInt(320), Stock: 25, ImageRef: imageBase + "Chicken_masala.jpeg?raw=true"},
		{ID: 8, Name: "Beef Stew", Description: "Tender beef chunks in a rich stew sauce", UnitPrice: decimal.NewFromInt(280), Stock: 20, ImageRef: imageBase + "beef_stew.jpeg?raw=true"},
		{ID: 9, Name: "Chicken Pasta", Description: "Creamy pasta tossed with grilled chicken", UnitPrice: decimal.NewFromInt(350), Stock: 15, ImageRef: imageBase + "chicken%20pasta.jpeg?raw=true"},
	}
}
