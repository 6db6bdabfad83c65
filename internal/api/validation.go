package api

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"checkout-service/internal/service"

	"github.com/go-playground/validator/v10"
)

var (
	namePattern     = regexp.MustCompile(`^[\p{L}\s'-]{2,50}$`)
	phonePattern    = regexp.MustCompile(`^[0-9+\s()-]{7,20}$`)
	documentPattern = regexp.MustCompile(`^[A-Za-z0-9-]{5,20}$`)
)

// CheckoutForm is the buyer data posted to checkout.
type CheckoutForm struct {
	FirstName string `json:"first_name" form:"first_name" validate:"required,shopname"`
	LastName  string `json:"last_name" form:"last_name" validate:"required,shopname"`
	Email     string `json:"email" form:"email" validate:"required,max=100,email"`
	Phone     string `json:"phone" form:"phone" validate:"omitempty,shopphone"`
	Document  string `json:"document" form:"document" validate:"omitempty,shopdoc"`
}

func (f *CheckoutForm) normalize() {
	f.FirstName = strings.TrimSpace(f.FirstName)
	f.LastName = strings.TrimSpace(f.LastName)
	f.Email = strings.ToLower(strings.TrimSpace(f.Email))
	f.Phone = strings.TrimSpace(f.Phone)
	f.Document = strings.TrimSpace(f.Document)
}

func (f CheckoutForm) customer() service.Customer {
	return service.Customer{
		FirstName: f.FirstName,
		LastName:  f.LastName,
		Email:     f.Email,
		Phone:     f.Phone,
		Document:  f.Document,
	}
}

// CartItemForm is the body of an add-to-cart request.
type CartItemForm struct {
	ProductID int64 `json:"product_id" form:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" form:"quantity" validate:"required,min=1,max=99"`
}

func newValidator() (*validator.Validate, error) {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	patterns := map[string]*regexp.Regexp{
		"shopname":  namePattern,
		"shopphone": phonePattern,
		"shopdoc":   documentPattern,
	}
	for tag, re := range patterns {
		re := re
		err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return v, nil
}

var fieldLabels = map[string]string{
	"first_name": "First name",
	"last_name":  "Last name",
	"email":      "Email",
	"phone":      "Phone",
	"document":   "Document",
	"product_id": "Product",
	"quantity":   "Quantity",
}

// fieldErrors turns validation failures into one message per field.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"form": "Invalid request"}
	}

	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if _, seen := out[field]; seen {
			continue
		}
		out[field] = fieldMessage(fieldLabels[field], fe)
	}
	return out
}

func fieldMessage(label string, fe validator.FieldError) string {
	if label == "" {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "shopname":
		return label + " must be 2 to 50 letters, spaces, hyphens or apostrophes"
	case "email":
		return "Please enter a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s", label, fe.Param())
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s", label, minimum(fe))
	case "shopphone":
		return "Phone must be 7 to 20 digits and may contain +, spaces, hyphens and parentheses"
	case "shopdoc":
		return "Document must be 5 to 20 letters, digits or hyphens"
	}
	return label + " is invalid"
}

func minimum(fe validator.FieldError) string {
	if fe.Tag() == "gt" {
		return "1"
	}
	return fe.Param()
}
