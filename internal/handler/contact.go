package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"

	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/model"
)

type ContactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// GET /api/contacts?q=
func (h *Handler) ListContacts(c echo.Context) error {
	contacts, err := h.Contacts.List(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Contacts retrieved", map[string]any{
		"total":    len(contacts),
		"contacts": contacts,
	})
}

// POST /api/contacts
func (h *Handler) CreateContact(c echo.Context) error {
	var req ContactRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	phone, err := helper.NormalizePhone(req.Phone, h.DefaultCountryCode)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid phone number", "INVALID_PHONE", err.Error())
	}

	contact, err := h.Contacts.Add(c.Request().Context(), strings.TrimSpace(req.Name), phone)
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusCreated, "Contact created", contact)
}

// DELETE /api/contacts/:id
func (h *Handler) DeleteContact(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid contact id", "VALIDATION_ERROR", err.Error())
	}
	if err := h.Contacts.Delete(c.Request().Context(), id); err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Contact deleted", map[string]any{"id": id})
}

// POST /api/contacts/import
// Rows with an invalid phone are skipped and counted.
func (h *Handler) ImportContacts(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'file' is required", "VALIDATION_ERROR", err.Error())
	}
	if fh.Size > helper.MaxUploadSize {
		return ErrorResponse(c, http.StatusBadRequest, "File too large", "FILE_TOO_LARGE", helper.ErrFileTooLarge.Error())
	}
	src, err := fh.Open()
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to open file", "INVALID_FILE", err.Error())
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, helper.MaxUploadSize))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to read file", "INVALID_FILE", err.Error())
	}

	records, err := helper.ReadSheet(fh.Filename, data)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to parse contacts", "INVALID_FILE", err.Error())
	}

	contacts := make([]model.Contact, 0, len(records))
	invalid := 0
	for _, r := range records {
		phone, err := helper.NormalizePhone(r.Phone, h.DefaultCountryCode)
		if err != nil {
			invalid++
			continue
		}
		contacts = append(contacts, model.Contact{Name: r.Name, Phone: phone})
	}

	inserted, err := h.Contacts.AddMany(c.Request().Context(), contacts)
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Contacts imported", map[string]any{
		"rows":       len(records),
		"imported":   inserted,
		"duplicates": len(contacts) - inserted,
		"invalid":    invalid,
	})
}

// GET /api/contacts/export?q=
func (h *Handler) ExportContacts(c echo.Context) error {
	contacts, err := h.Contacts.List(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return h.respondError(c, err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Contacts"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to create Excel sheet", "EXCEL_ERROR", err.Error())
	}

	headers := []string{"No", "Name", "Phone", "Created At"}
	for i, header := range headers {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cellName, header)
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	f.SetCellStyle(sheetName, "A1", "D1", headerStyle)

	for i, contact := range contacts {
		row := i + 2
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), i+1)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), contact.Name)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), contact.Phone)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), contact.CreatedAt.Format(time.RFC3339))
	}

	f.SetColWidth(sheetName, "A", "A", 5)
	f.SetColWidth(sheetName, "B", "B", 25)
	f.SetColWidth(sheetName, "C", "C", 18)
	f.SetColWidth(sheetName, "D", "D", 22)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	filename := fmt.Sprintf("contacts_%s.xlsx", time.Now().Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", filename))
	c.Response().WriteHeader(http.StatusOK)

	return f.Write(c.Response().Writer)
}
