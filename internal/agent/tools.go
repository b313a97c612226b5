package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/maitred/internal/restaurant"
)

// ToolEndCall is handled by the engine itself (hangup sequencing), but
// the dispatcher still produces its result payload.
const ToolEndCall = "end_call"

// ToolTransferCall mutes the caller before dispatch, like end_call.
const ToolTransferCall = "transfer_call"

// Dispatcher routes model function calls to the business API. Handler
// failures never escape as errors: every tool call produces a JSON
// result the model can speak about.
type Dispatcher struct {
	api *restaurant.Client
	log *slog.Logger
	now func() time.Time
	loc *time.Location
}

// NewDispatcher creates a dispatcher. Times spoken to customers are
// rendered in the restaurant's timezone.
func NewDispatcher(api *restaurant.Client, log *slog.Logger) *Dispatcher {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		loc = time.UTC
	}
	return &Dispatcher{api: api, log: log, now: time.Now, loc: loc}
}

// Dispatch executes one tool call and returns its result. Unknown
// tools yield an error payload; end_call latches the hangup request.
func (d *Dispatcher) Dispatch(ctx context.Context, cc *CallContext, name, argsJSON string) map[string]any {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			args = map[string]any{}
		}
	}

	d.log.Info("tool call", "tool", name)

	if name == ToolEndCall {
		d.log.Info("agent requested hangup")
		cc.RequestHangup()
		return map[string]any{"status": "hanging_up"}
	}

	var result map[string]any
	switch name {
	case "check_availability":
		result = d.checkAvailability(ctx, cc, args)
	case "confirm_order":
		result = d.confirmOrder(ctx, cc, args)
	case "confirm_reservation":
		result = d.confirmReservation(ctx, cc, args)
	case "save_customer_info":
		result = d.saveCustomer(ctx, cc, args)
	case "log_new_faq":
		result = d.logFAQ(ctx, cc, args)
	case "leave_message":
		result = d.leaveMessage(ctx, cc, args)
	case "check_order_status":
		result = d.checkOrderStatus(ctx, cc, args)
	case "cancel_order":
		result = d.cancelOrder(ctx, cc, args)
	case "lookup_reservation":
		result = d.lookupReservation(ctx, cc, args)
	case "cancel_reservation":
		result = d.cancelReservation(ctx, cc, args)
	case ToolTransferCall:
		result = d.transferCall(cc, args)
	default:
		return map[string]any{"error": fmt.Sprintf("Fonction inconnue: %s", name)}
	}

	return result
}

func (d *Dispatcher) checkAvailability(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	payload := map[string]any{
		"restaurantId": cc.RestaurantID,
		"mode":         argString(args, "mode", "pickup"),
	}
	copyArg(payload, "requestedTime", args, "requested_time")
	copyArg(payload, "customerAddress", args, "customer_address")
	copyArg(payload, "customerCity", args, "customer_city")
	copyArg(payload, "customerPostalCode", args, "customer_postal_code")
	copyArg(payload, "partySize", args, "party_size")
	copyArg(payload, "seatingPreference", args, "seating_preference")

	result, err := d.api.Post(ctx, "/api/availability/check", payload)
	if err != nil {
		d.log.Error("check_availability failed", "error", err)
		return map[string]any{"available": false, "error": err.Error()}
	}
	cc.SetLastAvailability(result)
	return result
}

func (d *Dispatcher) confirmOrder(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	availability := cc.LastAvailability()
	orderType := argString(args, "order_type", "pickup")

	// The confirmed slot comes from the preceding availability check.
	// The local fallback should not happen in a well-behaved dialog.
	estimatedReadyAt, _ := availability["estimatedTimeISO"].(string)
	timeStr, _ := availability["estimatedTime"].(string)
	if estimatedReadyAt == "" {
		ready := d.now().In(d.loc).Add(time.Duration(cc.AvgPrepTimeMin) * time.Minute)
		estimatedReadyAt = ready.UTC().Format(time.RFC3339)
		timeStr = ready.Format("15:04")
	}

	// The model speaks in short numeric menu ids; resolve them back to
	// real menu item UUIDs through the item map.
	var items []map[string]any
	for _, raw := range argSlice(args, "items") {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idx := indexString(item["id"])
		entry, known := cc.ItemMap[idx]
		var menuItemID any
		name := "Item #" + idx
		if known {
			menuItemID = entry.ID
			name = entry.Name
		}

		var options []map[string]any
		for _, rawOpt := range argSlice(item, "selected_options") {
			opt, ok := rawOpt.(map[string]any)
			if !ok {
				continue
			}
			resolved := map[string]any{
				"name":        argString(opt, "name", ""),
				"extra_price": argFloat(opt, "extra_price", 0),
			}
			if choiceID, present := opt["choice_id"]; present && choiceID != nil {
				choiceIdx := indexString(choiceID)
				if choiceEntry, ok := cc.ItemMap[choiceIdx]; ok {
					resolved["choice"] = choiceEntry.Name
				} else {
					resolved["choice"] = "#" + choiceIdx
				}
			} else {
				resolved["choice"] = argString(opt, "choice", "")
			}
			options = append(options, resolved)
		}

		quantity := argFloat(item, "quantity", 1)
		unitPrice := argFloat(item, "unit_price", 0)
		items = append(items, map[string]any{
			"menuItemId":      menuItemID,
			"name":            name,
			"quantity":        quantity,
			"unitPrice":       unitPrice,
			"totalPrice":      unitPrice * quantity,
			"selectedOptions": options,
			"notes":           item["notes"],
		})
	}

	customerID, customerName := cc.Customer()
	orderData := map[string]any{
		"restaurantId":  cc.RestaurantID,
		"callId":        cc.CallID,
		"customerId":    customerID,
		"customerName":  customerName,
		"customerPhone": cc.CallerPhone,
		"total":         argFloat(args, "total", 0),
		"orderType":     orderType,
		"deliveryFee":   argFloat(args, "delivery_fee", 0),
		"estimatedReadyAt": estimatedReadyAt,
		"notes":         argString(args, "notes", ""),
		"paymentMethod": argString(args, "payment_method", "cash"),
		"items":         items,
	}
	if orderType == "delivery" {
		orderData["deliveryAddress"] = availability["customerAddressFormatted"]
		orderData["deliveryDistanceKm"] = availability["deliveryDistanceKm"]
		orderData["deliveryLat"] = availability["customerLat"]
		orderData["deliveryLng"] = availability["customerLng"]
	}

	result, err := d.api.Post(ctx, "/api/orders", orderData)
	if err != nil {
		d.log.Error("order creation failed", "error", err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	orderID, _ := result["id"].(string)
	if orderID == "" {
		orderID = "unknown"
	}
	total := argFloat(args, "total", 0)
	d.log.Info("order created", "order_id", orderID, "total", total, "ready_at", timeStr)
	cc.MarkOrderPlaced()
	mode := "prete"
	if orderType == "delivery" {
		mode = "livree"
	}
	return map[string]any{
		"success":       true,
		"order_id":      orderID,
		"message":       fmt.Sprintf("Commande de %vEUR enregistree", total),
		"heure_estimee": timeStr,
		"mode":          mode,
	}
}

func (d *Dispatcher) confirmReservation(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	availability := cc.LastAvailability()

	reservationTimeISO, _ := availability["estimatedTimeISO"].(string)
	timeStr, _ := availability["estimatedTime"].(string)
	if timeStr == "" {
		timeStr = argString(args, "reservation_time", "")
	}

	// Fallback: parse HH:MM from the arguments; a time already past
	// today rolls to tomorrow.
	if reservationTimeISO == "" {
		if requested := argString(args, "reservation_time", ""); requested != "" {
			now := d.now().In(d.loc)
			if slot, err := parseLocalTime(requested, now); err == nil {
				reservationTimeISO = slot.UTC().Format(time.RFC3339)
			} else {
				reservationTimeISO = now.UTC().Format(time.RFC3339)
			}
		}
	}

	customerID, _ := cc.Customer()
	partySize := argInt(args, "party_size", 2)
	reservationData := map[string]any{
		"restaurantId":      cc.RestaurantID,
		"callId":            cc.CallID,
		"customerId":        customerID,
		"customerName":      argString(args, "customer_name", ""),
		"customerPhone":     argString(args, "customer_phone", cc.CallerPhone),
		"partySize":         partySize,
		"reservationTime":   reservationTimeISO,
		"status":            "confirmed",
		"seatingPreference": args["seating_preference"],
		"notes":             args["notes"],
	}

	result, err := d.api.Post(ctx, "/api/reservations", reservationData)
	if err != nil {
		d.log.Error("reservation creation failed", "error", err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	reservationID, _ := result["id"].(string)
	if reservationID == "" {
		reservationID = "unknown"
	}
	d.log.Info("reservation created", "reservation_id", reservationID, "party_size", partySize, "time", timeStr)
	cc.MarkReservationPlaced()
	return map[string]any{
		"success":        true,
		"reservation_id": reservationID,
		"message":        fmt.Sprintf("Table reservee pour %d personnes a %s", partySize, timeStr),
		"heure":          timeStr,
	}
}

// parseLocalTime resolves "HH:MM" against now's calendar day, rolling
// to the next day when the slot is already past.
func parseLocalTime(hhmm string, now time.Time) (time.Time, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("bad time %q", hhmm)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, err
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, err
	}
	slot := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !slot.After(now) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot, nil
}

func (d *Dispatcher) saveCustomer(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	customerData := map[string]any{
		"restaurantId": cc.RestaurantID,
		"phone":        cc.CallerPhone,
	}
	copyArg(customerData, "firstName", args, "first_name")
	copyArg(customerData, "deliveryAddress", args, "delivery_address")
	copyArg(customerData, "deliveryCity", args, "delivery_city")
	copyArg(customerData, "deliveryPostalCode", args, "delivery_postal_code")
	copyArg(customerData, "deliveryNotes", args, "delivery_notes")

	result, err := d.api.Post(ctx, "/api/customers", customerData)
	if err != nil {
		d.log.Error("customer save failed", "error", err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	id, _ := result["id"].(string)
	cc.SetCustomer(id, argString(args, "first_name", ""))
	return map[string]any{"success": true, "message": "Informations client enregistrees"}
}

func (d *Dispatcher) logFAQ(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	_, err := d.api.Post(ctx, "/api/faq", map[string]any{
		"restaurantId": cc.RestaurantID,
		"question":     argString(args, "question", ""),
		"category":     argString(args, "category", "other"),
		"callerPhone":  cc.CallerPhone,
	})
	if err != nil {
		// The caller's question still got answered; a lost FAQ entry
		// is not worth an apology from the agent.
		d.log.Error("faq log failed", "error", err)
		return map[string]any{"success": true, "message": "Question notee"}
	}
	return map[string]any{"success": true, "message": "Question remontee au restaurateur"}
}

func (d *Dispatcher) leaveMessage(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	messageData := map[string]any{
		"restaurantId": cc.RestaurantID,
		"callId":       cc.CallID,
		"callerPhone":  cc.CallerPhone,
		"callerName":   args["caller_name"],
		"content":      argString(args, "content", ""),
		"category":     argString(args, "category", "other"),
		"isUrgent":     argBool(args, "is_urgent"),
	}
	result, err := d.api.Post(ctx, "/api/messages", messageData)
	if err != nil {
		// Tell the caller the message was noted, but do not record the
		// outcome: finalize will then auto-post the transcript, so the
		// message is not lost with the call.
		d.log.Error("message creation failed", "error", err)
		return map[string]any{"success": true, "message": "Message note"}
	}
	id, _ := result["id"].(string)
	d.log.Info("message created", "message_id", id)
	cc.MarkMessageLeft()
	return map[string]any{"success": true, "message": "Message transmis au restaurant"}
}

func (d *Dispatcher) checkOrderStatus(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	phone := argString(args, "customer_phone", cc.CallerPhone)
	result, err := d.api.Get(ctx, "/api/orders/status", url.Values{
		"restaurantId": {cc.RestaurantID},
		"phone":        {phone},
	})
	if err != nil {
		d.log.Error("check_order_status failed", "error", err)
		return map[string]any{"found": false, "orders": []any{}, "error": "Impossible de verifier le statut"}
	}
	return result
}

func (d *Dispatcher) cancelOrder(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	orderNumber := indexString(args["order_number"])
	if orderNumber == "" {
		return map[string]any{"success": false, "error": "Numero de commande requis"}
	}

	orders, err := d.api.Get(ctx, "/api/orders/status", url.Values{
		"restaurantId": {cc.RestaurantID},
		"phone":        {cc.CallerPhone},
	})
	if err != nil {
		d.log.Error("cancel_order lookup failed", "error", err)
		return map[string]any{"success": false, "error": "Erreur lors de l'annulation"}
	}

	var target map[string]any
	for _, raw := range argSlice(orders, "orders") {
		o, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if indexString(o["orderNumber"]) == orderNumber {
			target = o
			break
		}
	}
	if target == nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("Commande #%s introuvable", orderNumber)}
	}

	status, _ := target["status"].(string)
	if status != "pending" && status != "confirmed" {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Annulation impossible : la commande est deja en statut '%s'", status),
		}
	}

	id, _ := target["id"].(string)
	if id == "" {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Commande #%s sans identifiant, annulation impossible", orderNumber),
		}
	}

	if _, err := d.api.Patch(ctx, "/api/orders", map[string]any{"id": id, "status": "cancelled"}); err != nil {
		d.log.Error("cancel_order failed", "error", err)
		return map[string]any{"success": false, "error": "Erreur lors de l'annulation"}
	}
	d.log.Info("order cancelled", "order_number", orderNumber)
	return map[string]any{"success": true, "message": fmt.Sprintf("Commande #%s annulee", orderNumber)}
}

func (d *Dispatcher) lookupReservation(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	phone := argString(args, "customer_phone", cc.CallerPhone)
	result, err := d.api.Get(ctx, "/api/reservations/lookup", url.Values{
		"restaurantId": {cc.RestaurantID},
		"phone":        {phone},
	})
	if err != nil {
		d.log.Error("lookup_reservation failed", "error", err)
		return map[string]any{"found": false, "reservations": []any{}, "error": "Impossible de chercher les reservations"}
	}
	return result
}

func (d *Dispatcher) cancelReservation(ctx context.Context, cc *CallContext, args map[string]any) map[string]any {
	reservationID := argString(args, "reservation_id", "")
	if reservationID == "" {
		return map[string]any{"success": false, "error": "ID de reservation requis"}
	}
	if _, err := d.api.Patch(ctx, "/api/reservations", map[string]any{"id": reservationID, "status": "cancelled"}); err != nil {
		d.log.Error("cancel_reservation failed", "error", err)
		return map[string]any{"success": false, "error": "Erreur lors de l'annulation"}
	}
	d.log.Info("reservation cancelled", "reservation_id", reservationID)
	return map[string]any{"success": true, "message": "Reservation annulee"}
}

func (d *Dispatcher) transferCall(cc *CallContext, args map[string]any) map[string]any {
	if cc.TransferPhone == "" {
		return map[string]any{"success": false, "error": "Pas de numero de transfert configure"}
	}
	reason := argString(args, "reason", "Demande de l'IA")
	d.log.Info("transfer requested", "reason", reason, "destination", cc.TransferPhone)
	cc.MarkTransferred(reason)
	return map[string]any{"success": true, "message": fmt.Sprintf("Transfert en cours vers %s", cc.TransferPhone)}
}

// marshalResult encodes a tool result for the function_call_output
// item.
func marshalResult(result map[string]any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}

// argument helpers; tool arguments arrive as generic JSON

func argString(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	if f, ok := args[key].(float64); ok {
		return f
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argSlice(args map[string]any, key string) []any {
	s, _ := args[key].([]any)
	return s
}

func copyArg(dst map[string]any, dstKey string, args map[string]any, srcKey string) {
	if v, present := args[srcKey]; present && v != nil && v != "" {
		dst[dstKey] = v
	}
}

// indexString renders a JSON number or string as the plain string key
// used by the item map and order numbers.
func indexString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
