package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/tars/pkg/tars/channels"
)

// DefaultCategoryName prefixes the per-instance category: "<name>-<slot>".
const DefaultCategoryName = "tars"

// InstanceKinds are the text channels created under each instance category.
var InstanceKinds = []string{"primary", "overwatch"}

// CreateInstanceChannels creates a category for the slot and one text channel
// per kind inside it. On partial failure everything created so far is removed.
func (d *Discord) CreateInstanceChannels(ctx context.Context, slot int) (channels.Bindings, error) {
	if d.cfg.GuildID == "" {
		return nil, fmt.Errorf("discord: guild id is required to create channels")
	}
	session, err := d.restSession()
	if err != nil {
		return nil, err
	}
	prefix := d.cfg.CategoryName
	if prefix == "" {
		prefix = DefaultCategoryName
	}

	category, err := session.GuildChannelCreateComplex(d.cfg.GuildID, discordgo.GuildChannelCreateData{
		Name: fmt.Sprintf("%s-%d", prefix, slot),
		Type: discordgo.ChannelTypeGuildCategory,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: creating category: %w", err)
	}

	created := []string{category.ID}
	bindings := channels.Bindings{"category": category.ID}
	for _, kind := range InstanceKinds {
		ch, err := session.GuildChannelCreateComplex(d.cfg.GuildID, discordgo.GuildChannelCreateData{
			Name:     kind,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: category.ID,
			Topic:    fmt.Sprintf("tars instance %d (%s)", slot, kind),
		}, discordgo.WithContext(ctx))
		if err != nil {
			// Children first so the category is empty when deleted.
			slices.Reverse(created)
			if cleanupErr := d.DeleteChannels(context.WithoutCancel(ctx), created); cleanupErr != nil {
				d.logger.Warn("discord: cleanup after failed create", "error", cleanupErr)
			}
			return nil, fmt.Errorf("discord: creating %s channel: %w", kind, err)
		}
		created = append(created, ch.ID)
		bindings[kind] = ch.ID
	}

	d.mu.Lock()
	d.cfg.AllowedChannels = append(d.cfg.AllowedChannels, created[1:]...)
	d.mu.Unlock()

	d.logger.Info("discord: instance channels created", "slot", slot, "category", category.ID)
	return bindings, nil
}

// DeleteChannels deletes every id, continuing past failures.
func (d *Discord) DeleteChannels(ctx context.Context, ids []string) error {
	session, err := d.restSession()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := session.ChannelDelete(id, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		d.logger.Debug("discord: channel deleted", "id", id)
	}
	return errors.Join(errs...)
}
